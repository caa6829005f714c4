// Copyright 2025 James Ross
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/breaker"
	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/gorilla/websocket"
)

// QueueStatus is the decoded shape of a backend's GET /queue response: two
// arrays of [promptID, ...] entries, running and pending.
type QueueStatus struct {
	QueueRunning []json.RawMessage `json:"queue_running"`
	QueuePending []json.RawMessage `json:"queue_pending"`
}

// Depth is the total number of prompts the backend is carrying, running plus
// pending, used by the selector to pick the least-busy backend.
func (q QueueStatus) Depth() int {
	return len(q.QueueRunning) + len(q.QueuePending)
}

// PromptResponse is the decoded shape of a backend's POST /prompt response.
type PromptResponse struct {
	PromptID string         `json:"prompt_id"`
	Number   int            `json:"number"`
	NodeErrs map[string]any `json:"node_errors,omitempty"`
}

// Client wraps a single backend address: HTTP calls guarded by a circuit
// breaker, plus a WebSocket dial for progress relay. One Client is created
// per configured backend address and lives for the process lifetime.
type Client struct {
	Addr    string
	http    *http.Client
	breaker *breaker.CircuitBreaker
}

// New builds a Client for addr using cfg's dial timeout and circuit breaker
// tuning. One Client per backend.Addresses entry.
func New(addr string, cfg *config.Config) *Client {
	return &Client{
		Addr: addr,
		http: &http.Client{Timeout: cfg.Backends.DialTimeout},
		breaker: breaker.New(
			cfg.CircuitBreaker.Window,
			cfg.CircuitBreaker.CooldownPeriod,
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.MinSamples,
		),
	}
}

// BreakerState reports the current circuit breaker state for metrics export.
func (c *Client) BreakerState() breaker.State {
	return c.breaker.State()
}

func (c *Client) baseURL() string {
	return "http://" + c.Addr
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if !c.breaker.Allow() {
		return nil, bridgeerr.New(bridgeerr.KindBackendUnavailable, fmt.Sprintf("backend %s circuit open", c.Addr))
	}
	resp, err := c.http.Do(req)
	c.breaker.Record(err == nil)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, fmt.Sprintf("backend %s unreachable", c.Addr), err)
	}
	return resp, nil
}

// QueueDepth polls GET /queue and returns the decoded running and pending
// queues; their Depth is the combined count.
func (c *Client) QueueDepth(ctx context.Context) (QueueStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/queue", nil)
	if err != nil {
		return QueueStatus{}, err
	}
	resp, err := c.do(req)
	if err != nil {
		return QueueStatus{}, err
	}
	defer resp.Body.Close()
	var q QueueStatus
	if err := json.NewDecoder(resp.Body).Decode(&q); err != nil {
		return QueueStatus{}, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "decode /queue", err)
	}
	return q, nil
}

// SubmitPrompt posts a rendered workflow graph to POST /prompt.
func (c *Client) SubmitPrompt(ctx context.Context, clientID string, graph map[string]any) (*PromptResponse, error) {
	body := map[string]any{"client_id": clientID, "prompt": graph}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindBadTemplate, "encode prompt payload", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/prompt", bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusBadRequest {
		var raw map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&raw)
		return nil, bridgeerr.New(bridgeerr.KindBadTemplate, fmt.Sprintf("backend rejected prompt: %v", raw))
	}
	var pr PromptResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "decode /prompt response", err)
	}
	return &pr, nil
}

// History fetches GET /history/{promptID}.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "decode /history", err)
	}
	return out, nil
}

// ClearHistory issues POST /history {"clear": true} or {"delete": [ids]}.
func (c *Client) ClearHistory(ctx context.Context, ids []string, clearAll bool) error {
	body := map[string]any{}
	if clearAll {
		body["clear"] = true
	} else {
		body["delete"] = ids
	}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/history", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// FreeMemory issues POST /free to unload models / free VRAM on the backend.
func (c *Client) FreeMemory(ctx context.Context, unloadModels, freeMemory bool) error {
	body := map[string]any{"unload_models": unloadModels, "free_memory": freeMemory}
	buf, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/free", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// Interrupt issues POST /interrupt/ to cancel the currently running prompt.
func (c *Client) Interrupt(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/interrupt/", nil)
	if err != nil {
		return err
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

// View fetches a generated image via GET /view with its filename/subfolder/type query.
func (c *Client) View(ctx context.Context, filename, subfolder, folderType string) (io.ReadCloser, string, error) {
	q := url.Values{}
	q.Set("filename", filename)
	q.Set("subfolder", subfolder)
	q.Set("type", folderType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	return resp.Body, resp.Header.Get("Content-Type"), nil
}

// UploadImage forwards a staged file to the backend's POST /upload/image.
func (c *Client) UploadImage(ctx context.Context, filename string, content io.Reader, overwrite bool) (map[string]any, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()
		_ = mw.WriteField("overwrite", boolStr(overwrite))
		part, err := mw.CreateFormFile("image", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, content); err != nil {
			pw.CloseWithError(err)
			return
		}
	}()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/upload/image", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, "decode /upload/image response", err)
	}
	return out, nil
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// DialProgress opens the backend's client-id-scoped progress WebSocket.
func (c *Client) DialProgress(ctx context.Context, clientID string) (*websocket.Conn, error) {
	u := url.URL{Scheme: "ws", Host: c.Addr, Path: "/ws", RawQuery: "clientId=" + url.QueryEscape(clientID)}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindBackendUnavailable, fmt.Sprintf("ws dial %s", c.Addr), err)
	}
	return conn, nil
}
