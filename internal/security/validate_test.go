package security

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/dgallion1/mailgest/internal/mailtree"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

func att(name string, content []byte) *mailtree.Attachment {
	return &mailtree.Attachment{OriginalName: name, Name: name, Content: content}
}

func TestValidate_Allowed(t *testing.T) {
	out := Validate(att("photo.png", pngMagic), DefaultPolicy(1<<20))
	if !out.Allowed {
		t.Fatalf("expected allow, got denial: %s", out.Reason)
	}
	if out.DetectedType != "image/png" {
		t.Errorf("expected detected type image/png, got %q", out.DetectedType)
	}
}

func TestValidate_RecordsDetectedType(t *testing.T) {
	a := att("photo.png", pngMagic)
	Validate(a, DefaultPolicy(1<<20))
	if a.DetectedType != "image/png" {
		t.Errorf("detected type not recorded on attachment: %q", a.DetectedType)
	}
}

func TestValidate_PathTraversalDenied(t *testing.T) {
	names := []string{
		"../../etc/passwd",
		"..\\windows\\system32",
		"dir/file.txt",
		"~root",
	}
	for _, name := range names {
		out := Validate(att(name, []byte("x")), DefaultPolicy(1<<20))
		if out.Allowed {
			t.Errorf("%q: expected denial", name)
			continue
		}
		var verr *ValidationError
		if !errors.As(out.Err, &verr) {
			t.Errorf("%q: expected ValidationError, got %v", name, out.Err)
		}
	}
}

func TestValidate_SizeLimit(t *testing.T) {
	policy := DefaultPolicy(10)
	out := Validate(att("big.txt", []byte("0123456789A")), policy)
	if out.Allowed {
		t.Fatal("expected size denial")
	}
	var verr *ValidationError
	if !errors.As(out.Err, &verr) {
		t.Fatalf("expected ValidationError, got %v", out.Err)
	}
	if !strings.Contains(verr.Reason, "exceeds limit") {
		t.Errorf("unexpected reason %q", verr.Reason)
	}

	// At the limit is fine.
	out = Validate(att("ok.txt", []byte("0123456789")), policy)
	if !out.Allowed {
		t.Errorf("content at the limit should pass: %s", out.Reason)
	}
}

func TestValidate_ExtensionAllowList(t *testing.T) {
	out := Validate(att("script.exe", []byte("MZ")), DefaultPolicy(1<<20))
	if out.Allowed {
		t.Fatal("expected allow-list denial")
	}
	if !strings.Contains(out.Reason, "allow-list") {
		t.Errorf("unexpected reason %q", out.Reason)
	}
}

func TestValidate_TypeMismatchDenied(t *testing.T) {
	// PNG bytes under a .pdf name.
	out := Validate(att("invoice.pdf", pngMagic), DefaultPolicy(1<<20))
	if out.Allowed {
		t.Fatal("expected mismatch denial")
	}
	var merr *TypeMismatchError
	if !errors.As(out.Err, &merr) {
		t.Fatalf("expected TypeMismatchError, got %v", out.Err)
	}
	if merr.Declared != ".pdf" || merr.Detected != "image/png" {
		t.Errorf("unexpected mismatch detail: %+v", merr)
	}
}

func TestValidate_TypeMismatchPermissive(t *testing.T) {
	policy := DefaultPolicy(1 << 20)
	policy.Permissive = true
	out := Validate(att("invoice.pdf", pngMagic), policy)
	if !out.Allowed {
		t.Fatalf("permissive mode should allow mismatches: %s", out.Reason)
	}
	if !strings.Contains(out.Reason, "mismatch") {
		t.Errorf("expected recorded mismatch warning, got %q", out.Reason)
	}
	if out.DetectedType != "image/png" {
		t.Errorf("detected type should still be reported, got %q", out.DetectedType)
	}
}

func TestValidate_CSVSniffsAsText(t *testing.T) {
	csv := []byte("name,amount\nalice,3\nbob,5\n")
	out := Validate(att("ledger.csv", csv), DefaultPolicy(1<<20))
	if !out.Allowed {
		t.Errorf("csv content should pass as text: %s", out.Reason)
	}
}

func TestValidate_JpgJpegSpellings(t *testing.T) {
	jpeg := append([]byte{0xff, 0xd8, 0xff, 0xe0}, bytes.Repeat([]byte{0}, 16)...)
	for _, name := range []string{"a.jpg", "a.jpeg"} {
		out := Validate(att(name, jpeg), DefaultPolicy(1<<20))
		if !out.Allowed {
			t.Errorf("%q: expected allow, got %s", name, out.Reason)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":      "report.pdf",
		"../../etc/creds": "creds",
		"a\x00b.txt":      "a_b.txt",
		"":                "unnamed",
		".":               "unnamed",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q): expected %q, got %q", in, want, got)
		}
	}
}
