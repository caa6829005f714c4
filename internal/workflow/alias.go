// Copyright 2025 James Ross
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
)

// Alias records one entry of the workflow alias list: a caller-facing name,
// the on-disk template filename it resolves to, and a description.
type Alias struct {
	AliasName   string `json:"alias"`
	Fn          string `json:"fn"`
	Description string `json:"description"`
}

// LoadAliases reads aliasFile (a JSON array of Alias) and appends one
// synthetic entry per *.json file under dir that isn't already referenced
// by Fn, matching the upstream behavior where any template dropped into
// the workflow directory is usable by its own filename without an explicit
// alias record.
func LoadAliases(dir, aliasFile string) ([]Alias, error) {
	var aliases []Alias
	if raw, err := os.ReadFile(aliasFile); err == nil {
		if err := json.Unmarshal(raw, &aliases); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "decode workflow alias file", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "read workflow alias file", err)
	}

	known := make(map[string]bool, len(aliases))
	for _, a := range aliases {
		known[a.Fn] = true
	}

	matches, err := doublestar.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.KindInternal, "scan workflow dir", err)
	}
	for _, fn := range matches {
		if known[fn] {
			continue
		}
		aliases = append(aliases, Alias{AliasName: fn, Fn: fn, Description: ""})
		known[fn] = true
	}
	return aliases, nil
}

// Resolve maps an alias or bare filename to its template filename.
func Resolve(aliases []Alias, aliasOrFn string) (string, error) {
	for _, a := range aliases {
		if a.AliasName == aliasOrFn {
			return a.Fn, nil
		}
	}
	for _, a := range aliases {
		if a.Fn == aliasOrFn {
			return a.Fn, nil
		}
	}
	return "", bridgeerr.New(bridgeerr.KindUnknownWorkflow, fmt.Sprintf("unknown workflow %q", aliasOrFn))
}

func safeJoin(dir, name string) (string, error) {
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return "", bridgeerr.New(bridgeerr.KindBadRequest, fmt.Sprintf("unsafe workflow filename %q", name))
	}
	return filepath.Join(dir, name), nil
}
