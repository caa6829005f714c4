// Copyright 2025 James Ross
package upload

import "testing"

func pngBytes() []byte {
	return []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
}

func testValidator() *Validator {
	return NewValidator(
		map[string]string{"image/png": ".png", "image/jpeg": ".jpg"},
		[]string{"<script", "<?php", "#!/", "import ", "eval(", "exec(", "system("},
	)
}

func TestValidateAcceptsMatchingPNG(t *testing.T) {
	v := testValidator()
	r := v.Validate("photo.png", pngBytes())
	if !r.OK {
		t.Fatalf("expected accept, got reject: %s", r.Detail)
	}
	if r.MIMEType != "image/png" {
		t.Fatalf("expected image/png, got %s", r.MIMEType)
	}
}

func TestValidateRejectsUnsafeFilename(t *testing.T) {
	v := testValidator()
	r := v.Validate("../../etc/passwd.png", pngBytes())
	if r.OK {
		t.Fatal("expected reject for unsafe filename")
	}
}

func TestValidateRejectsExtensionMismatch(t *testing.T) {
	v := testValidator()
	r := v.Validate("photo.jpg", pngBytes())
	if r.OK {
		t.Fatal("expected reject for extension/MIME mismatch")
	}
}

func TestValidateRejectsSuspiciousContent(t *testing.T) {
	v := testValidator()
	content := append(pngBytes(), []byte("<?php system('rm -rf /'); ?>")...)
	r := v.Validate("photo.png", content)
	if r.OK {
		t.Fatal("expected reject for suspicious content")
	}
}

func TestValidateDeterministic(t *testing.T) {
	v := testValidator()
	content := pngBytes()
	a := v.Validate("a.png", content)
	b := v.Validate("b.png", content)
	if a.OK != b.OK {
		t.Fatalf("expected deterministic verdict regardless of filename, got %v vs %v", a.OK, b.OK)
	}
}
