// Copyright 2025 James Ross
package upload

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
	"github.com/flyingrobots/comfy-bridge/internal/config"
	"github.com/flyingrobots/comfy-bridge/internal/obs"
	"golang.org/x/time/rate"
)

const handlePrefix = "bridge_server_comfyui_"

// Staged is one successfully validated and materialised upload.
type Staged struct {
	Handle   string // tmp basename, also the value callers pass back as a kwarg
	Path     string
	MIMEType string
}

// Pipeline stages multipart parts into the configured tmp directory,
// validating each against a Validator before it is kept. A token-bucket
// limiter bounds how many uploads per second the bridge will stage,
// mirroring the rate limiting the job-queue producer applies to its own
// per-file scan.
type Pipeline struct {
	tmpDir    string
	validator *Validator
	limiter   *rate.Limiter
}

// NewPipeline builds a Pipeline from cfg.Upload.
func NewPipeline(cfg *config.Config) *Pipeline {
	return &Pipeline{
		tmpDir:    cfg.Upload.TmpDir,
		validator: NewValidator(cfg.Upload.MimeExtensionMap, cfg.Upload.SuspiciousPatterns),
		limiter:   rate.NewLimiter(rate.Limit(cfg.Upload.RateLimitPerSec), cfg.Upload.RateLimitBurst),
	}
}

// Stage validates content and, on success, writes it to a uniquely named
// temp file under the pipeline's tmp directory and returns its handle. On
// rejection no file is retained.
func (p *Pipeline) Stage(ctx context.Context, filename string, content []byte) (Staged, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Staged{}, bridgeerr.Wrap(bridgeerr.KindBadRequest, "upload rate limit wait", err)
	}

	result := p.validator.Validate(filename, content)
	if !result.OK {
		gate := rejectionGate(result.Detail)
		obs.UploadsRejected.WithLabelValues(gate).Inc()
		return Staged{}, bridgeerr.New(bridgeerr.KindUnsafeUpload, result.Detail)
	}

	f, err := os.CreateTemp(p.tmpDir, handlePrefix+"*")
	if err != nil {
		return Staged{}, bridgeerr.Wrap(bridgeerr.KindInternal, "create staging file", err)
	}
	defer f.Close()
	if _, err := f.Write(content); err != nil {
		os.Remove(f.Name())
		return Staged{}, bridgeerr.Wrap(bridgeerr.KindInternal, "write staging file", err)
	}

	return Staged{
		Handle:   filepath.Base(f.Name()),
		Path:     f.Name(),
		MIMEType: result.MIMEType,
	}, nil
}

func rejectionGate(detail string) string {
	switch {
	case detail == "invalid filename":
		return "filename"
	case detail == "file extension does not match MIME type":
		return "extension"
	case detail == "file is detected as suspicious":
		return "content"
	default:
		return "mime"
	}
}

// IsHandle reports whether s looks like a staged-upload handle rather than a
// literal value, i.e. it carries the bridge's tmp-file prefix.
func IsHandle(s string) bool {
	return len(s) > len(handlePrefix) && s[:len(handlePrefix)] == handlePrefix
}

// Open resolves handle to its staged file path and reads its bytes. Returns
// KindStagedFileMissing if the handle no longer refers to a live tmp file.
func (p *Pipeline) Open(handle string) ([]byte, string, error) {
	path := filepath.Join(p.tmpDir, handle)
	f, err := os.Open(path)
	if err != nil {
		return nil, "", bridgeerr.Wrap(bridgeerr.KindStagedFileMissing, fmt.Sprintf("staged file %q missing", handle), err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", bridgeerr.Wrap(bridgeerr.KindInternal, "read staged file", err)
	}
	return data, path, nil
}

// Discard removes handle's backing tmp file, ignoring a missing file.
func (p *Pipeline) Discard(handle string) {
	_ = os.Remove(filepath.Join(p.tmpDir, handle))
}

// SweepOrphans deletes staged files still sitting in the tmp directory for
// which maxAge reports true — uploads that were staged but never forwarded
// to a backend (e.g. the owning session was released before submission).
func (p *Pipeline) SweepOrphans(maxAge func(path string) bool) (int, error) {
	entries, err := os.ReadDir(p.tmpDir)
	if err != nil {
		return 0, bridgeerr.Wrap(bridgeerr.KindInternal, "read tmp dir", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) <= len(handlePrefix) || e.Name()[:len(handlePrefix)] != handlePrefix {
			continue
		}
		full := filepath.Join(p.tmpDir, e.Name())
		if maxAge(full) {
			if err := os.Remove(full); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
