// Copyright 2025 James Ross
package workflow

import "testing"

const sampleTemplate = `{
	"6": {
		"class_type": "CLIPTextEncode",
		"inputs": {"text": "a cat", "seed": 42, "steps": 20},
		"_meta": {"title": "Prompt", "apiinput": "text,seed,steps"}
	},
	"10": {
		"class_type": "LoadImage",
		"inputs": {"image": "example.png"},
		"_meta": {"title": "Image", "apiinput": "image"}
	},
	"99": {
		"class_type": "KSampler",
		"inputs": {"cfg": 7.5},
		"_meta": {"title": "Sampler"}
	}
}`

var testMimeMap = map[string]string{"image/png": ".png", "image/jpeg": ".jpg"}

func TestParseTemplateDerivesSpec(t *testing.T) {
	_, spec, err := ParseTemplate([]byte(sampleTemplate), testMimeMap)
	if err != nil {
		t.Fatal(err)
	}
	if len(spec) != 4 {
		t.Fatalf("expected 4 declared inputs, got %d: %+v", len(spec), spec)
	}
	if spec["6/seed"].Type != "int" {
		t.Fatalf("expected 6/seed tagged int, got %s", spec["6/seed"].Type)
	}
	if spec["6/text"].Type != "str" {
		t.Fatalf("expected 6/text tagged str, got %s", spec["6/text"].Type)
	}
	if spec["10/image"].Type != "image/png" {
		t.Fatalf("expected 10/image retagged image/png, got %s", spec["10/image"].Type)
	}
	if _, ok := spec["99/cfg"]; ok {
		t.Fatal("node 99 has no apiinput and should not appear in spec")
	}
}

func TestSubstituteOverwritesOnlyDeclaredInputs(t *testing.T) {
	tmpl, spec, err := ParseTemplate([]byte(sampleTemplate), testMimeMap)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Substitute(tmpl, spec, map[string]any{"6/seed": float64(99)})
	if err != nil {
		t.Fatal(err)
	}
	if out["6"].Inputs["seed"] != float64(99) {
		t.Fatalf("expected seed overwritten to 99, got %v", out["6"].Inputs["seed"])
	}
	if out["6"].Inputs["text"] != "a cat" {
		t.Fatalf("expected text left at default, got %v", out["6"].Inputs["text"])
	}
	if out["99"].Inputs["cfg"] != 7.5 {
		t.Fatalf("expected untouched node unchanged, got %v", out["99"].Inputs["cfg"])
	}
	if tmpl["6"].Inputs["seed"] != float64(42) {
		t.Fatal("expected original template left unmodified")
	}
}

func TestSubstituteTypeMismatch(t *testing.T) {
	tmpl, spec, err := ParseTemplate([]byte(sampleTemplate), testMimeMap)
	if err != nil {
		t.Fatal(err)
	}
	_, err = Substitute(tmpl, spec, map[string]any{"6/steps": "twenty"})
	if err == nil {
		t.Fatal("expected type mismatch error")
	}
}

func TestSubstituteAcceptsHandleForMimeTaggedInput(t *testing.T) {
	tmpl, spec, err := ParseTemplate([]byte(sampleTemplate), testMimeMap)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Substitute(tmpl, spec, map[string]any{"10/image": "bridge_server_comfyui_abc123"})
	if err != nil {
		t.Fatal(err)
	}
	if out["10"].Inputs["image"] != "bridge_server_comfyui_abc123" {
		t.Fatalf("expected handle substituted, got %v", out["10"].Inputs["image"])
	}
}
