// Copyright 2025 James Ross
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Mode selects whether Supervise also drives the client heartbeat loop.
type Mode int

const (
	// ModeREST drives only the relay task; the caller polls execution-info
	// instead of holding an open client socket.
	ModeREST Mode = iota
	// ModeProxy drives both the relay task and the heartbeat task, as the
	// dual-WebSocket bridge path does.
	ModeProxy
)

// Supervise runs the relay task and, in ModeProxy, the heartbeat task
// concurrently, waits for whichever finishes first, cancels the other, and
// invokes cleanup exactly once. This is the single supervising scope that
// replaces the source's nested try/finally handling around the two
// concurrent loops.
func Supervise(ctx context.Context, mode Mode, backendConn *websocket.Conn, tmpl workflow.Template,
	heartbeatInterval time.Duration, heartbeatLimit int,
	emit func(Envelope), cleanup func(promptID string), log *zap.Logger) {

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var promptID string
	var mu sync.Mutex
	setPromptID := func(id string) {
		if id == "" {
			return
		}
		mu.Lock()
		promptID = id
		mu.Unlock()
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		id := Run(runCtx, backendConn, tmpl, emit, log)
		setPromptID(id)
	}()

	if mode == ModeProxy {
		heartbeatStop := make(chan struct{})
		heartbeatDone := make(chan struct{})
		go func() {
			defer close(heartbeatDone)
			Heartbeat(runCtx, heartbeatInterval, heartbeatLimit, emit, heartbeatStop)
		}()

		select {
		case <-relayDone:
			close(heartbeatStop)
			<-heartbeatDone
		case <-heartbeatDone:
			cancel()
			// closing the socket unblocks the relay's pending read
			_ = backendConn.Close()
			<-relayDone
		}
	} else {
		<-relayDone
	}

	_ = backendConn.Close()
	mu.Lock()
	id := promptID
	mu.Unlock()
	emit(Envelope{Status: StatusClosed, Detail: "connection will be closed"})
	cleanup(id)
}
