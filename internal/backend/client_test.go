// Copyright 2025 James Ross
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Backends: config.Backends{DialTimeout: time.Second},
		CircuitBreaker: config.CircuitBreaker{
			Window: time.Minute, CooldownPeriod: time.Second,
			FailureThreshold: 0.5, MinSamples: 2,
		},
	}
}

func TestQueueDepth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(QueueStatus{
			QueueRunning: []json.RawMessage{[]byte(`["a"]`)},
			QueuePending: []json.RawMessage{[]byte(`["b"]`), []byte(`["c"]`)},
		})
	}))
	defer srv.Close()

	c := New(strings.TrimPrefix(srv.URL, "http://"), testConfig())
	q, err := c.QueueDepth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if q.Depth() != 3 {
		t.Fatalf("expected depth 3, got %d", q.Depth())
	}
}

func TestSubmitPromptRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "bad node"})
	}))
	defer srv.Close()

	c := New(strings.TrimPrefix(srv.URL, "http://"), testConfig())
	_, err := c.SubmitPrompt(context.Background(), "client-1", map[string]any{"1": "x"})
	if bridgeerr.KindOf(err) != bridgeerr.KindBadTemplate {
		t.Fatalf("expected KindBadTemplate, got %v (%v)", bridgeerr.KindOf(err), err)
	}
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	c := New("127.0.0.1:1", testConfig()) // nothing listening there
	for i := 0; i < 3; i++ {
		_, _ = c.QueueDepth(context.Background())
	}
	if c.BreakerState() == 0 {
		t.Fatalf("expected breaker to have recorded failures")
	}
}
