// Copyright 2025 James Ross
package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func dialTestServer(t *testing.T, handler func(*websocket.Conn)) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestRunEmitsClosedOnNullNode(t *testing.T) {
	conn := dialTestServer(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"execution_start"}`))
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"progress","data":{"node":null,"prompt_id":"p-1"}}`))
	})
	defer conn.Close()

	var envelopes []Envelope
	tmpl := workflow.Template{"1": workflow.Node{Inputs: map[string]any{}}}
	promptID := Run(context.Background(), conn, tmpl, func(e Envelope) { envelopes = append(envelopes, e) }, zap.NewNop())

	if promptID != "p-1" {
		t.Fatalf("expected prompt id p-1, got %q", promptID)
	}
	if len(envelopes) != 2 || envelopes[len(envelopes)-1].Status != StatusClosed {
		t.Fatalf("expected final envelope closed, got %+v", envelopes)
	}
}

func TestRunEmitsErrorOnValidationFailure(t *testing.T) {
	conn := dialTestServer(t, func(c *websocket.Conn) {
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"type":"prompt_outputs_failed_validation"}`))
	})
	defer conn.Close()

	var envelopes []Envelope
	Run(context.Background(), conn, workflow.Template{}, func(e Envelope) { envelopes = append(envelopes, e) }, zap.NewNop())

	if len(envelopes) != 1 || envelopes[0].Status != StatusError {
		t.Fatalf("expected single error envelope, got %+v", envelopes)
	}
}

func TestTrackerPercentZeroTotalIsComplete(t *testing.T) {
	tr := NewTracker()
	if tr.Percent() != "100.00%" {
		t.Fatalf("expected 100.00%% for zero total, got %s", tr.Percent())
	}
}

func TestHeartbeatTimesOutAfterLimit(t *testing.T) {
	var envelopes []Envelope
	stop := make(chan struct{})
	Heartbeat(context.Background(), 5*time.Millisecond, 2, func(e Envelope) { envelopes = append(envelopes, e) }, stop)

	if len(envelopes) != 3 {
		t.Fatalf("expected 2 listening + 1 error envelopes, got %d: %+v", len(envelopes), envelopes)
	}
	if envelopes[len(envelopes)-1].Status != StatusError {
		t.Fatalf("expected final envelope error, got %+v", envelopes[len(envelopes)-1])
	}
}
