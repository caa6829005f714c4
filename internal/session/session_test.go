// Copyright 2025 James Ross
package session

import (
	"context"
	"testing"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	return &config.Config{
		Session: config.Session{
			LimitTimeoutCount: 2,
			TimeoutInterval:   20 * time.Millisecond,
			SweepInterval:     10 * time.Millisecond,
		},
	}
}

func TestAcquireCreatesAndReuses(t *testing.T) {
	m := New(testConfig(), zap.NewNop(), nil)
	s1 := m.Acquire("client-1")
	s2 := m.Acquire("client-1")
	if s1 != s2 {
		t.Fatal("expected the same session instance on repeat Acquire")
	}
	if m.Count() != 1 {
		t.Fatalf("expected 1 session, got %d", m.Count())
	}
}

func TestReleaseClearsPerGenerationState(t *testing.T) {
	m := New(testConfig(), zap.NewNop(), nil)
	s := m.Acquire("client-1")
	s.SetBackend("127.0.0.1:8288")
	s.SetPromptID("abc-123")

	m.Release("client-1", false, "generation_complete")
	if _, ok := m.Get("client-1"); !ok {
		t.Fatal("expected session to remain after non-removing release")
	}
	snap := s.Snapshot()
	if snap.LinkedBackend != "" || snap.PromptID != "" {
		t.Fatalf("expected per-generation fields cleared, got %+v", snap)
	}
}

func TestSetWorkflowGraphSurvivesUntilRelease(t *testing.T) {
	m := New(testConfig(), zap.NewNop(), nil)
	s := m.Acquire("client-1")
	tmpl := workflow.Template{"6": workflow.Node{ClassType: "CLIPTextEncode"}}
	s.SetWorkflowGraph(tmpl)

	snap := s.Snapshot()
	if len(snap.WorkflowGraph) != 1 {
		t.Fatalf("expected workflow graph to round-trip through Snapshot, got %+v", snap.WorkflowGraph)
	}

	m.Release("client-1", false, "generation_complete")
	snap = s.Snapshot()
	if snap.WorkflowGraph != nil {
		t.Fatalf("expected workflow graph cleared on release, got %+v", snap.WorkflowGraph)
	}
}

func TestReleaseWithRemoveDeletesSession(t *testing.T) {
	m := New(testConfig(), zap.NewNop(), nil)
	m.Acquire("client-1")
	m.Release("client-1", true, "client_disconnect")
	if _, ok := m.Get("client-1"); ok {
		t.Fatal("expected session to be removed")
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	m := New(testConfig(), zap.NewNop(), nil)
	m.Acquire("client-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	if m.Count() != 0 {
		t.Fatalf("expected idle session to be swept, count=%d", m.Count())
	}
}

func TestReleaseClearsBackendHistoryWhenPromptIDPresent(t *testing.T) {
	var gotAddr, gotPromptID string
	calls := 0
	clearHistory := func(ctx context.Context, backendAddr, promptID string) error {
		calls++
		gotAddr, gotPromptID = backendAddr, promptID
		return nil
	}

	m := New(testConfig(), zap.NewNop(), clearHistory)
	s := m.Acquire("client-1")
	s.SetBackend("127.0.0.1:8288")
	s.SetPromptID("abc-123")

	m.Release("client-1", false, "generation_complete")
	if calls != 1 {
		t.Fatalf("expected clearHistory to be called once, got %d", calls)
	}
	if gotAddr != "127.0.0.1:8288" || gotPromptID != "abc-123" {
		t.Fatalf("expected clearHistory called with (127.0.0.1:8288, abc-123), got (%s, %s)", gotAddr, gotPromptID)
	}
}

func TestReleaseSkipsBackendHistoryWithoutPromptID(t *testing.T) {
	calls := 0
	clearHistory := func(ctx context.Context, backendAddr, promptID string) error {
		calls++
		return nil
	}

	m := New(testConfig(), zap.NewNop(), clearHistory)
	s := m.Acquire("client-1")
	s.SetBackend("127.0.0.1:8288")

	m.Release("client-1", false, "generation_complete")
	if calls != 0 {
		t.Fatalf("expected clearHistory not to be called without a prompt id, got %d calls", calls)
	}
}

func TestSweepClearsBackendHistoryForExpiredSessions(t *testing.T) {
	calls := 0
	clearHistory := func(ctx context.Context, backendAddr, promptID string) error {
		calls++
		return nil
	}

	m := New(testConfig(), zap.NewNop(), clearHistory)
	s := m.Acquire("client-1")
	s.SetBackend("127.0.0.1:8288")
	s.SetPromptID("abc-123")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	time.Sleep(100 * time.Millisecond)
	if calls != 1 {
		t.Fatalf("expected clearHistory to be called once on sweep, got %d", calls)
	}
	_ = s
}
