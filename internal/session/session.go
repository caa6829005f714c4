// Copyright 2025 James Ross
package session

import (
	"context"
	"sync"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/flyingrobots/comfy-bridge/internal/obs"
	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"go.uber.org/zap"
)

// ClientID identifies one bridge client, supplied by the caller (the
// frontend's own session/socket id) rather than generated by the bridge.
type ClientID string

// Session is the single mutable record the bridge keeps per connected
// client: which backend it is pinned to, the workflow it last rendered, the
// prompt currently in flight, and the last frame the progress relay sent.
// Every field here was a loose module-level dict entry in the original
// per-client state; keeping it as one struct behind one mutex is what
// replaces the getter/setter-with-side-effects pattern the bridge was
// distilled from.
type Session struct {
	mu sync.Mutex

	ID               ClientID
	LinkedBackend    string
	WorkflowName     string
	WorkflowGraph    workflow.Template
	PromptID         string
	ConnectionStatus string
	ExecutionInfo    map[string]any
	lastTouch        time.Time
}

func newSession(id ClientID) *Session {
	return &Session{ID: id, lastTouch: time.Now()}
}

// Touch bumps the session's liveness clock, the one entry point that
// resets the eviction window. Every setter below goes through it.
func (s *Session) touch() {
	s.lastTouch = time.Now()
}

// SetBackend pins the session to a backend address for the duration of one
// generation. Set once the selector has chosen a backend, cleared on release.
func (s *Session) SetBackend(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LinkedBackend = addr
	s.touch()
}

// SetWorkflow records which workflow the session last rendered.
func (s *Session) SetWorkflow(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WorkflowName = name
	s.touch()
}

// SetWorkflowGraph records the substituted template submitted for the
// session's current generation, so a later /ws connection can seed the
// progress tracker without re-resolving the workflow.
func (s *Session) SetWorkflowGraph(tmpl workflow.Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WorkflowGraph = tmpl
	s.touch()
}

// SetPromptID records the backend-assigned prompt id once the generation
// server has accepted the submission. Write-once per generation: the bridge
// never invents its own prompt ids.
func (s *Session) SetPromptID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PromptID = id
	s.touch()
}

// SetExecutionInfo records the latest relay frame together with the
// connection status the caller passes for it.
func (s *Session) SetExecutionInfo(status string, info map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ConnectionStatus = status
	s.ExecutionInfo = info
	s.touch()
}

// Snapshot returns a copy of the session's fields for read-only reporting
// (e.g. an HTTP status endpoint), safe to use without holding the lock.
func (s *Session) Snapshot() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Session{
		ID:               s.ID,
		LinkedBackend:    s.LinkedBackend,
		WorkflowName:     s.WorkflowName,
		WorkflowGraph:    s.WorkflowGraph,
		PromptID:         s.PromptID,
		ConnectionStatus: s.ConnectionStatus,
		ExecutionInfo:    s.ExecutionInfo,
		lastTouch:        s.lastTouch,
	}
}

// reset clears the per-generation fields a session carries, leaving the
// session itself alive for a subsequent generation. Called on release.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LinkedBackend = ""
	s.PromptID = ""
	s.ConnectionStatus = ""
	s.ExecutionInfo = nil
	s.WorkflowGraph = nil
}

func (s *Session) expired(life time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastTouch) > life
}

// HistoryClearer deletes one prompt's history from the backend it ran on.
// Satisfied by a closure over (*selector.Pool).Client(addr).ClearHistory;
// kept as a function type here rather than importing the selector/backend
// packages' concrete client, so release doesn't need to know how a backend
// connection is obtained.
type HistoryClearer func(ctx context.Context, backendAddr, promptID string) error

// Manager tracks one Session per ClientID, creating sessions lazily on
// first access and sweeping idle ones on a ticker, the same
// map-plus-mutex-plus-cleanup-goroutine shape the collaborative session
// manager uses, generalized from a multi-participant session down to a
// single owning client.
type Manager struct {
	mu       sync.RWMutex
	sessions map[ClientID]*Session

	life          time.Duration
	sweepInterval time.Duration
	log           *zap.Logger
	clearHistory  HistoryClearer

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager from the session-related portion of cfg. clearHistory
// is consulted on every release to delete the session's backend history
// before the record is dropped; it may be nil (release then simply skips
// that step) for callers that don't need it, such as tests. Call Start to
// begin the sweep goroutine.
func New(cfg *config.Config, log *zap.Logger, clearHistory HistoryClearer) *Manager {
	return &Manager{
		sessions:      make(map[ClientID]*Session),
		life:          cfg.Session.LifeSeconds(),
		sweepInterval: cfg.Session.SweepInterval,
		log:           log,
		clearHistory:  clearHistory,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Acquire returns the session for id, creating one if this is the client's
// first request, and touching its liveness clock either way.
func (m *Manager) Acquire(id ClientID) *Session {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		s = newSession(id)
		m.sessions[id] = s
		m.mu.Unlock()
		obs.SessionsCreated.Inc()
		obs.SessionsActive.Set(float64(m.Count()))
		return s
	}
	m.mu.Unlock()
	s.mu.Lock()
	s.touch()
	s.mu.Unlock()
	return s
}

// Get returns the session for id without creating one, and whether it exists.
func (m *Manager) Get(id ClientID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Release clears a session's per-generation state and, for an explicit
// client disconnect, removes it from the manager entirely. Idempotent: a
// second release of an already-released or already-removed id is a no-op.
// Before the record is touched, it deletes the session's history from the
// backend it ran on, when one is on file; a failed deletion is logged and
// release proceeds regardless.
func (m *Manager) Release(id ClientID, remove bool, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if remove {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.clearBackendHistory(s.Snapshot())
	s.reset()
	obs.SessionsReleased.WithLabelValues(reason).Inc()
	obs.SessionsActive.Set(float64(m.Count()))
}

// clearBackendHistory deletes snap's prompt history from its linked backend,
// when both are on file. Best-effort: errors are logged, never returned, so
// release always proceeds.
func (m *Manager) clearBackendHistory(snap Session) {
	if m.clearHistory == nil || snap.LinkedBackend == "" || snap.PromptID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.clearHistory(ctx, snap.LinkedBackend, snap.PromptID); err != nil {
		m.log.Warn("backend history clear failed",
			zap.String("backend", snap.LinkedBackend),
			zap.String("prompt_id", snap.PromptID),
			zap.Error(err))
	}
}

// Count returns the number of tracked sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start begins the idle-sweep goroutine. Mirrors reaper's ticker-plus-select
// loop, generalized to sweep sessions instead of in-flight queue entries.
func (m *Manager) Start(ctx context.Context) {
	go m.sweepLoop(ctx)
}

// Stop halts the sweep goroutine and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			func() {
				defer func() {
					if r := recover(); r != nil {
						m.log.Error("session sweep panicked", zap.Any("panic", r))
					}
				}()
				m.sweepExpired()
			}()
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.expired(m.life) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, s := range expired {
		m.clearBackendHistory(s.Snapshot())
	}
	obs.SessionsReleased.WithLabelValues("idle_timeout").Add(float64(len(expired)))
	obs.SessionsActive.Set(float64(m.Count()))
	m.log.Debug("swept idle sessions", zap.Int("count", len(expired)))
}
