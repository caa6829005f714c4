// Copyright 2025 James Ross
package workflow

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/flyingrobots/comfy-bridge/internal/bridgeerr"
)

// NodeMeta is a node's `_meta` block: an optional display title and the
// comma-separated list of input names the node exposes to callers.
type NodeMeta struct {
	Title    string `json:"title,omitempty"`
	ApiInput string `json:"apiinput,omitempty"`
}

func (m NodeMeta) apiInputs() []string {
	if m.ApiInput == "" {
		return nil
	}
	parts := strings.Split(m.ApiInput, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Node is one entry of a Template: its class, its named inputs, and the
// meta block declaring which inputs are caller-settable.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      NodeMeta       `json:"_meta"`
}

// Template is a full workflow graph: node id -> Node. It is loaded once per
// file and never mutated in place; Substitute always clones.
type Template map[string]Node

// Clone returns a deep-enough copy of t: node inputs maps are copied so
// Substitute can write into them without aliasing the loaded template.
func (t Template) Clone() Template {
	out := make(Template, len(t))
	for id, n := range t {
		inputs := make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			inputs[k] = v
		}
		out[id] = Node{ClassType: n.ClassType, Inputs: inputs, Meta: n.Meta}
	}
	return out
}

// InputSpecEntry describes one caller-settable input: its inferred type
// tag, its display title, and the template's default value.
type InputSpecEntry struct {
	Type    string `json:"type"`
	Title   string `json:"title"`
	Default any    `json:"default"`
}

// InputSpec maps "<nodeId>/<inputName>" to its InputSpecEntry. It is derived
// once per template and reused for every Substitute call against that
// template.
type InputSpec map[string]InputSpecEntry

// ParseTemplate loads a Template from raw JSON and derives its InputSpec.
// mimeExtensionMap maps MIME type -> canonical extension (as configured);
// ParseTemplate inverts it to recognise a default's filename extension and
// retag the input with the MIME type instead of "str".
func ParseTemplate(raw []byte, mimeExtensionMap map[string]string) (Template, InputSpec, error) {
	var tmpl Template
	if err := json.Unmarshal(raw, &tmpl); err != nil {
		return nil, nil, bridgeerr.Wrap(bridgeerr.KindBadTemplate, "decode template", err)
	}
	extToMime := make(map[string]string, len(mimeExtensionMap))
	for mime, ext := range mimeExtensionMap {
		extToMime[strings.ToLower(ext)] = mime
	}

	spec := InputSpec{}
	for nodeID, node := range tmpl {
		for _, name := range node.Meta.apiInputs() {
			val, ok := node.Inputs[name]
			if !ok {
				return nil, nil, bridgeerr.New(bridgeerr.KindBadTemplate,
					fmt.Sprintf("node %s declares apiinput %q with no matching input", nodeID, name))
			}
			if isEmptyValue(val) {
				return nil, nil, bridgeerr.New(bridgeerr.KindBadTemplate,
					fmt.Sprintf("node %s input %q has empty default", nodeID, name))
			}
			tag := primitiveTag(val)
			if tag == "str" {
				if s, ok := val.(string); ok {
					ext := strings.ToLower(path.Ext(s))
					if mime, ok := extToMime[ext]; ok {
						tag = mime
					}
				}
			}
			spec[nodeID+"/"+name] = InputSpecEntry{Type: tag, Title: node.Meta.Title, Default: val}
		}
	}
	return tmpl, spec, nil
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// primitiveTag classifies a decoded JSON value. JSON numbers decode to
// float64 regardless of source notation; a whole-number default is tagged
// "int" and a fractional one "float" so templates written with integer
// literals (e.g. steps, seed) still type-check against integer kwargs.
func primitiveTag(v any) string {
	switch val := v.(type) {
	case bool:
		return "bool"
	case string:
		return "str"
	case float64:
		if val == float64(int64(val)) {
			return "int"
		}
		return "float"
	default:
		return "str"
	}
}

// Substitute clones tmpl and overwrites exactly the inputs named in spec
// with the matching kwargs value, falling back to the template default when
// a kwarg is absent. kwargs keys not present in spec are ignored.
func Substitute(tmpl Template, spec InputSpec, kwargs map[string]any) (Template, error) {
	out := tmpl.Clone()
	for key, entry := range spec {
		nodeID, name, ok := splitKey(key)
		if !ok {
			continue
		}
		node, ok := out[nodeID]
		if !ok {
			continue
		}
		value, provided := kwargs[key]
		if !provided {
			node.Inputs[name] = entry.Default
			continue
		}
		if err := checkType(entry.Type, value); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.KindTypeMismatch,
				fmt.Sprintf("%s need to have type of %s but got %s", key, entry.Type, jsonTypeName(value)), err)
		}
		node.Inputs[name] = value
	}
	return out, nil
}

func splitKey(key string) (nodeID, name string, ok bool) {
	i := strings.LastIndex(key, "/")
	if i < 0 {
		return "", "", false
	}
	return key[:i], key[i+1:], true
}

// checkType validates value against tag. MIME-tagged entries (anything
// other than the four primitive tags) accept any string: the caller is
// expected to pass an upload handle or backend-resolved path.
func checkType(tag string, value any) error {
	switch tag {
	case "int":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("expected int")
		}
	case "float":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("expected float")
		}
	case "bool":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("expected bool")
		}
	case "str":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected str")
		}
	default:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("expected upload handle string")
		}
	}
	return nil
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case bool:
		return "bool"
	case string:
		return "str"
	case float64:
		return "float"
	case nil:
		return "null"
	default:
		return "object"
	}
}
