// Copyright 2025 James Ross
package httpapi

import (
	"net/http"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/relay"
	"github.com/flyingrobots/comfy-bridge/internal/session"
	"go.uber.org/zap"
)

// handleWebSocket upgrades a client connection and drives the PROXY-mode
// supervisor: relay plus heartbeat, sharing the one client socket, released
// exactly once on exit.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := requireClientID(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		panic(bridgeerr.Wrap(bridgeerr.KindBadRequest, "websocket upgrade", err))
	}
	defer conn.Close()

	sess := s.sessions.Acquire(session.ClientID(clientID))
	send := func(e relay.Envelope) {
		sess.SetExecutionInfo(e.Status, map[string]any{"status": e.Status, "detail": e.Detail})
		if err := conn.WriteJSON(e); err != nil {
			s.log.Debug("client socket write failed", zap.String("client_id", clientID), zap.Error(err))
		}
	}
	send(relay.Envelope{Status: relay.StatusConnected, Detail: "server connected"})

	snap := sess.Snapshot()
	if snap.LinkedBackend == "" {
		send(relay.Envelope{Status: relay.StatusError, Detail: "no generation in progress for clientId"})
		return
	}

	backendClient := s.pool.Client(snap.LinkedBackend)
	backendConn, err := backendClient.DialProgress(r.Context(), clientID)
	if err != nil {
		send(relay.Envelope{Status: relay.StatusError, Detail: "backend connection error"})
		return
	}

	relay.Supervise(r.Context(), relay.ModeProxy, backendConn, snap.WorkflowGraph, s.heartbeat, s.limit, send,
		func(promptID string) {
			if promptID != "" {
				sess.SetPromptID(promptID)
			}
			s.sessions.Release(session.ClientID(clientID), false, "relay_closed")
		}, s.log)
}
