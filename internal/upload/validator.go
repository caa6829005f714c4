// Copyright 2025 James Ross
package upload

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

// Validator enforces the four ordered gates a staged upload must pass:
// filename safety, MIME sniff against an allow-list, extension-to-MIME
// agreement, and a suspicious-byte-pattern scan.
type Validator struct {
	mimeExtensionMap map[string]string
	suspicious       [][]byte
}

// NewValidator builds a Validator from the configured MIME->extension
// allow-list and suspicious byte patterns.
func NewValidator(mimeExtensionMap map[string]string, suspiciousPatterns []string) *Validator {
	pats := make([][]byte, len(suspiciousPatterns))
	for i, p := range suspiciousPatterns {
		pats[i] = []byte(p)
	}
	return &Validator{mimeExtensionMap: mimeExtensionMap, suspicious: pats}
}

// Result is the outcome of validating one upload's bytes.
type Result struct {
	OK       bool
	Detail   string
	MIMEType string
}

// Validate runs the four gates, in order, on content named filename. It
// never touches the filesystem: callers stage bytes to a temp file
// themselves and keep or delete it based on Result.OK.
func (v *Validator) Validate(filename string, content []byte) Result {
	if !isSafeFilename(filename) {
		return Result{OK: false, Detail: "invalid filename"}
	}

	mimeType := http.DetectContentType(content)
	if _, allowed := v.mimeExtensionMap[mimeType]; !allowed {
		return Result{OK: false, Detail: fmt.Sprintf("unsupported MIME type: %s", mimeType)}
	}

	if !v.isValidExtension(filename, mimeType) {
		return Result{OK: false, Detail: "file extension does not match MIME type"}
	}

	if v.isSuspicious(content) {
		return Result{OK: false, Detail: "file is detected as suspicious"}
	}

	return Result{OK: true, MIMEType: mimeType}
}

func isSafeFilename(filename string) bool {
	return !strings.HasPrefix(filename, "/") && !strings.Contains(filename, "..")
}

func (v *Validator) isValidExtension(filename, mimeType string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return v.mimeExtensionMap[mimeType] == ext
}

func (v *Validator) isSuspicious(content []byte) bool {
	for _, pat := range v.suspicious {
		if bytes.Contains(content, pat) {
			return true
		}
	}
	return false
}
