// Copyright 2025 James Ross
package workflow

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/flyingrobots/comfy-bridge/internal/backend"
	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/flyingrobots/comfy-bridge/internal/obs"
	"github.com/flyingrobots/comfy-bridge/internal/upload"
)

// cached holds one parsed template plus its derived input schema, indexed
// by filename so repeat requests for the same workflow skip reparsing.
type cached struct {
	tmpl Template
	spec InputSpec
}

// Engine loads workflow templates and aliases from disk, parses and
// substitutes them, resolves staged-upload handles against the chosen
// backend, and submits the finished prompt.
type Engine struct {
	dir              string
	aliasFile        string
	mimeExtensionMap map[string]string

	mu      sync.RWMutex
	aliases []Alias
	cache   map[string]cached
}

// NewEngine loads the alias list immediately; templates are parsed lazily
// on first use and cached.
func NewEngine(cfg *config.Config) (*Engine, error) {
	aliases, err := LoadAliases(cfg.Workflow.Dir, cfg.Workflow.AliasFile)
	if err != nil {
		return nil, err
	}
	return &Engine{
		dir:              cfg.Workflow.Dir,
		aliasFile:        cfg.Workflow.AliasFile,
		mimeExtensionMap: cfg.Upload.MimeExtensionMap,
		aliases:          aliases,
		cache:            make(map[string]cached),
	}, nil
}

// List returns the current alias list.
func (e *Engine) List() []Alias {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Alias(nil), e.aliases...)
}

// Reload re-scans the workflow directory and alias file, picking up
// templates dropped in after startup.
func (e *Engine) Reload() error {
	aliases, err := LoadAliases(e.dir, e.aliasFile)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.aliases = aliases
	e.mu.Unlock()
	return nil
}

// Load resolves aliasOrFn to a template filename and returns its parsed
// Template and InputSpec, using the cache when available.
func (e *Engine) Load(aliasOrFn string) (Template, InputSpec, error) {
	e.mu.RLock()
	aliases := e.aliases
	e.mu.RUnlock()

	fn, err := Resolve(aliases, aliasOrFn)
	if err != nil {
		return nil, nil, err
	}

	e.mu.RLock()
	if c, ok := e.cache[fn]; ok {
		e.mu.RUnlock()
		return c.tmpl, c.spec, nil
	}
	e.mu.RUnlock()

	path, err := safeJoin(e.dir, fn)
	if err != nil {
		return nil, nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, bridgeerr.Wrap(bridgeerr.KindUnknownWorkflow, fmt.Sprintf("read workflow %q", fn), err)
	}
	tmpl, spec, err := ParseTemplate(raw, e.mimeExtensionMap)
	if err != nil {
		return nil, nil, err
	}

	e.mu.Lock()
	e.cache[fn] = cached{tmpl: tmpl, spec: spec}
	e.mu.Unlock()
	return tmpl, spec, nil
}

// ResolveUploads walks tmpl's inputs and, for every string value that looks
// like a staged-upload handle, uploads the staged bytes to the chosen
// backend's /upload/image as "<handle><canonical extension>", substitutes
// the backend-returned "<subfolder>/<name>" path, and discards the tmp
// file. It mutates tmpl in place; callers should already hold their own
// clone from Substitute.
func (e *Engine) ResolveUploads(ctx context.Context, tmpl Template, client *backend.Client, pipeline *upload.Pipeline) error {
	for nodeID, node := range tmpl {
		for name, val := range node.Inputs {
			handle, ok := val.(string)
			if !ok || !upload.IsHandle(handle) {
				continue
			}
			data, _, err := pipeline.Open(handle)
			if err != nil {
				return err
			}
			ext := e.mimeExtensionMap[http.DetectContentType(data)]
			resp, err := client.UploadImage(ctx, handle+ext, bytes.NewReader(data), false)
			if err != nil {
				return err
			}
			pipeline.Discard(handle)

			subfolder, _ := resp["subfolder"].(string)
			uploadedName, _ := resp["name"].(string)
			if uploadedName == "" {
				return bridgeerr.New(bridgeerr.KindBackendUnavailable, fmt.Sprintf("backend upload response missing name for node %s/%s", nodeID, name))
			}
			resolved := uploadedName
			if subfolder != "" {
				resolved = subfolder + "/" + uploadedName
			}
			node.Inputs[name] = resolved
		}
	}
	return nil
}

// Submit posts the substituted graph to the backend and returns its
// response. Callers are responsible for incrementing the generation count
// on success.
func Submit(ctx context.Context, client *backend.Client, clientID string, tmpl Template) (*backend.PromptResponse, error) {
	graph := make(map[string]any, len(tmpl))
	for id, node := range tmpl {
		graph[id] = map[string]any{
			"class_type": node.ClassType,
			"inputs":     node.Inputs,
			"_meta":      map[string]any{"title": node.Meta.Title},
		}
	}
	resp, err := client.SubmitPrompt(ctx, clientID, graph)
	if err != nil {
		return nil, err
	}
	obs.GenerationsTotal.Inc()
	return resp, nil
}
