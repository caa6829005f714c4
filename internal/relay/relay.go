// Copyright 2025 James Ross
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/obs"
	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Envelope is the client-facing status message shape: {"status": S, "detail": ...}.
type Envelope struct {
	Status string `json:"status"`
	Detail string `json:"detail"`
}

const (
	StatusConnected = "connected"
	StatusListening = "listening"
	StatusProgress  = "progress"
	StatusClosed    = "closed"
	StatusError     = "error"
)

// backendFrame is the decoded shape of one backend progress-socket message.
type backendFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type progressData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type cachedData struct {
	Nodes []string `json:"nodes"`
}

// Tracker holds the running progress counters for one session's relay,
// computed lazily at the first execution_start frame from the submitted
// workflow graph's shape: node count plus the sum of every input whose name
// contains "steps". The same template always yields the same weighting, so
// this is stable across restarts even though it is only an estimate of true
// completion.
type Tracker struct {
	total float64
	cur   float64
}

// NewTracker returns a zero-valued Tracker; Total is computed on the first
// execution_start frame via Seed.
func NewTracker() *Tracker { return &Tracker{} }

// Seed computes total from tmpl: node count plus the sum of every input
// whose name contains the substring "steps".
func (t *Tracker) Seed(tmpl workflow.Template) {
	total := float64(len(tmpl))
	for _, node := range tmpl {
		for name, val := range node.Inputs {
			if !strings.Contains(name, "steps") {
				continue
			}
			if f, ok := val.(float64); ok {
				total += f
			}
		}
	}
	t.total += total
}

// Percent formats cur/total as a two-decimal percentage string, treating
// total == 0 as fully complete rather than dividing by zero.
func (t *Tracker) Percent() string {
	if t.total == 0 {
		return "100.00%"
	}
	return fmt.Sprintf("%.2f%%", t.cur/t.total*100)
}

// Run consumes backend frames from conn until the backend reports a
// terminal null-node progress frame, an error, or ctx is cancelled, sending
// a translated Envelope to emit for each. It returns the backend-assigned
// prompt id once learned (empty if the relay exits before one arrives).
func Run(ctx context.Context, conn *websocket.Conn, tmpl workflow.Template, emit func(Envelope), log *zap.Logger) (promptID string) {
	tracker := NewTracker()
	for {
		select {
		case <-ctx.Done():
			return promptID
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Debug("backend relay socket closed", zap.Error(err))
			return promptID
		}

		var frame backendFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		obs.RelayFramesTotal.WithLabelValues(frame.Type).Inc()

		switch frame.Type {
		case "execution_start":
			tracker.Seed(tmpl)
			emit(Envelope{Status: StatusProgress, Detail: tracker.Percent()})

		case "execution_cached":
			var data cachedData
			_ = json.Unmarshal(frame.Data, &data)
			tracker.cur += float64(len(data.Nodes))
			emit(Envelope{Status: StatusProgress, Detail: tracker.Percent()})

		case "progress", "executing":
			var data progressData
			_ = json.Unmarshal(frame.Data, &data)
			if data.Node == nil {
				if data.PromptID != "" {
					promptID = data.PromptID
				}
				emit(Envelope{Status: StatusClosed, Detail: "execution is done"})
				return promptID
			}
			tracker.cur++
			emit(Envelope{Status: StatusProgress, Detail: tracker.Percent()})

		case "prompt_outputs_failed_validation":
			emit(Envelope{Status: StatusError, Detail: "prompt is not validated"})
			return promptID

		default:
			// unrecognized frame types (e.g. backend-specific diagnostics) are ignored
		}
	}
}

// Heartbeat emits a "listening" envelope every interval until limit rounds
// pass with no terminal status observed, at which point it emits an error
// envelope and returns. It is cancelled the moment stop is closed (the
// relay reached a terminal state first).
func Heartbeat(ctx context.Context, interval time.Duration, limit int, emit func(Envelope), stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for round := 0; ; round++ {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if round >= limit {
				emit(Envelope{Status: StatusError, Detail: fmt.Sprintf("time out error: exceed %ds", int(interval.Seconds())*limit)})
				return
			}
			emit(Envelope{Status: StatusListening, Detail: "server is listening"})
		}
	}
}
