// Copyright 2025 James Ross
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/relay"
	"github.com/flyingrobots/comfy-bridge/internal/session"
	"github.com/flyingrobots/comfy-bridge/internal/workflow"
	"go.uber.org/zap"
)

func (s *Server) handleBanner(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("comfy-bridge: ok\n"))
}

func (s *Server) handleWorkflowList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) handleWorkflowInfo(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("workflow")
	if name == "" {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "workflow query parameter is required"))
	}
	_, spec, err := s.engine.Load(name)
	if err != nil {
		panic(err)
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *Server) handleExecutionInfo(w http.ResponseWriter, r *http.Request) {
	clientID := requireClientID(r)
	sess, ok := s.sessions.Get(session.ClientID(clientID))
	if !ok {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "unknown clientId"))
	}
	snap := sess.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"status": snap.ConnectionStatus, "detail": snap.ExecutionInfo})
}

func (s *Server) handleGenerationCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Count(r.Context()))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	requireClientID(r)
	if err := r.ParseMultipartForm(int64(s.cfg.Upload.MaxSizeMiB) << 20); err != nil {
		panic(bridgeerr.Wrap(bridgeerr.KindBadRequest, "parse multipart form", err))
	}
	defer r.MultipartForm.RemoveAll()

	out := make(map[string]string, len(r.MultipartForm.File))
	for field, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			panic(bridgeerr.Wrap(bridgeerr.KindBadRequest, "open uploaded part", err))
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			panic(bridgeerr.Wrap(bridgeerr.KindBadRequest, "read uploaded part", err))
		}
		staged, err := s.uploads.Stage(r.Context(), fh.Filename, data)
		if err != nil {
			panic(err)
		}
		out[field] = staged.Handle
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	clientID := requireClientID(r)

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		panic(bridgeerr.Wrap(bridgeerr.KindBadRequest, "decode request body", err))
	}
	wfName, _ := body["workflow"].(string)
	if wfName == "" {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "workflow field is required"))
	}
	delete(body, "workflow")

	tmpl, spec, err := s.engine.Load(wfName)
	if err != nil {
		panic(err)
	}
	substituted, err := workflow.Substitute(tmpl, spec, body)
	if err != nil {
		panic(err)
	}

	depths, err := s.pool.QueueDepths(r.Context())
	if err != nil {
		panic(err)
	}
	_ = depths
	addr, err := s.pool.PickLeastBusy()
	if err != nil {
		panic(err)
	}
	client := s.pool.Client(addr)

	if err := s.engine.ResolveUploads(r.Context(), substituted, client, s.uploads); err != nil {
		panic(err)
	}

	sess := s.sessions.Acquire(session.ClientID(clientID))
	sess.SetBackend(addr)
	sess.SetWorkflow(wfName)
	sess.SetWorkflowGraph(substituted)

	if _, err := workflow.Submit(r.Context(), client, clientID, substituted); err != nil {
		panic(err)
	}
	// backendPromptId is write-once from the backend's first WS execution
	// frame (see relay.Supervise's cleanup callback below and the websocket
	// handler's equivalent), never from this synchronous submit response.

	if _, err := s.store.Increment(r.Context()); err != nil {
		s.log.Warn("generation count persist failed", zap.Error(err))
	}

	queued, err := client.QueueDepth(r.Context())
	if err != nil {
		s.log.Warn("post-submit queue depth poll failed", zap.Error(err))
	}

	go s.runRelay(clientID, addr, substituted)

	writeJSON(w, http.StatusOK, map[string]string{"detail": "queued / " + strconv.Itoa(queued.Depth())})
}

func (s *Server) runRelay(clientID, backendAddr string, tmpl workflow.Template) {
	ctx := context.Background()
	client := s.pool.Client(backendAddr)
	conn, err := client.DialProgress(ctx, clientID)
	if err != nil {
		s.log.Warn("relay dial failed", zap.String("client_id", clientID), zap.Error(err))
		return
	}
	sess := s.sessions.Acquire(session.ClientID(clientID))
	emit := func(e relay.Envelope) {
		sess.SetExecutionInfo(e.Status, map[string]any{"status": e.Status, "detail": e.Detail})
	}
	relay.Supervise(ctx, relay.ModeREST, conn, tmpl, s.heartbeat, s.limit, emit, func(promptID string) {
		if promptID != "" {
			sess.SetPromptID(promptID)
		}
	}, s.log)
}

func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	if clientID != "" {
		if sess, ok := s.sessions.Get(session.ClientID(clientID)); ok {
			snap := sess.Snapshot()
			if snap.LinkedBackend != "" {
				_ = s.pool.Client(snap.LinkedBackend).FreeMemory(r.Context(), true, true)
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
		return
	}
	for _, addr := range s.pool.Addresses() {
		_ = s.pool.Client(addr).FreeMemory(r.Context(), true, true)
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	clientID := requireClientID(r)
	sess, ok := s.sessions.Get(session.ClientID(clientID))
	if !ok {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "unknown clientId"))
	}
	snap := sess.Snapshot()
	if snap.LinkedBackend == "" {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "session has no linked backend"))
	}
	if err := s.pool.Client(snap.LinkedBackend).Interrupt(r.Context()); err != nil {
		panic(err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"detail": "ok"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	clientID := requireClientID(r)
	sess, ok := s.sessions.Get(session.ClientID(clientID))
	if !ok {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "unknown clientId"))
	}
	snap := sess.Snapshot()
	if snap.PromptID == "" || snap.LinkedBackend == "" {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "no completed generation for clientId"))
	}

	hist, err := s.pool.Client(snap.LinkedBackend).History(r.Context(), snap.PromptID)
	if err != nil {
		panic(err)
	}
	files := extractOutputFiles(hist, snap.PromptID)

	resType := r.URL.Query().Get("resType")
	if resType == "multipart" {
		s.writeMultipartHistory(w, r, snap.LinkedBackend, files)
		return
	}
	s.writeBase64History(w, r, snap.LinkedBackend, files)
	s.sessions.Release(session.ClientID(clientID), true, "history_retrieved")
}

type outputFile struct {
	Filename  string
	Subfolder string
	Type      string
}

func extractOutputFiles(hist map[string]any, promptID string) []outputFile {
	var files []outputFile
	entry, ok := hist[promptID].(map[string]any)
	if !ok {
		return files
	}
	outputs, ok := entry["outputs"].(map[string]any)
	if !ok {
		return files
	}
	for _, nodeOut := range outputs {
		nodeMap, ok := nodeOut.(map[string]any)
		if !ok {
			continue
		}
		images, ok := nodeMap["images"].([]any)
		if !ok {
			continue
		}
		for _, img := range images {
			m, ok := img.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := m["filename"].(string)
			sub, _ := m["subfolder"].(string)
			typ, _ := m["type"].(string)
			files = append(files, outputFile{Filename: fn, Subfolder: sub, Type: typ})
		}
	}
	return files
}

func (s *Server) writeBase64History(w http.ResponseWriter, r *http.Request, backendAddr string, files []outputFile) {
	client := s.pool.Client(backendAddr)
	type entry struct {
		FileName    string `json:"file_name"`
		ContentType string `json:"content_type"`
		Content     string `json:"content"`
	}
	out := make([]entry, 0, len(files))
	for _, f := range files {
		body, ct, err := client.View(r.Context(), f.Filename, f.Subfolder, f.Type)
		if err != nil {
			continue
		}
		data, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			continue
		}
		out = append(out, entry{FileName: f.Filename, ContentType: ct, Content: base64.StdEncoding.EncodeToString(data)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": out})
}

func (s *Server) writeMultipartHistory(w http.ResponseWriter, r *http.Request, backendAddr string, files []outputFile) {
	client := s.pool.Client(backendAddr)
	mw := newMultipartResponseWriter(w)
	defer mw.Close()
	for _, f := range files {
		body, ct, err := client.View(r.Context(), f.Filename, f.Subfolder, f.Type)
		if err != nil {
			continue
		}
		_ = mw.WritePart(f.Filename, ct, body)
		body.Close()
	}
}

func requireClientID(r *http.Request) string {
	id := r.URL.Query().Get("clientId")
	if id == "" {
		panic(bridgeerr.New(bridgeerr.KindBadRequest, "clientId query parameter is required"))
	}
	return id
}

