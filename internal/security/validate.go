package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dgallion1/mailgest/internal/mailtree"
)

// Policy controls what attachments are accepted.
type Policy struct {
	MaxBytes    int64
	AllowedExts map[string]bool
	// Permissive downgrades a magic-byte/extension mismatch from a denial
	// to a recorded warning.
	Permissive bool
}

// DefaultPolicy covers the formats the converters understand plus common
// passthrough types.
func DefaultPolicy(maxBytes int64) Policy {
	return Policy{
		MaxBytes: maxBytes,
		AllowedExts: map[string]bool{
			".csv": true, ".xlsx": true, ".xls": true,
			".pdf": true, ".docx": true,
			".txt": true, ".md": true, ".html": true, ".htm": true,
			".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
			".eml": true, ".zip": true,
		},
	}
}

// TypeMismatchError reports content whose magic bytes do not match the
// declared extension.
type TypeMismatchError struct {
	Name     string
	Declared string
	Detected string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch for %s: declared %s, detected %s", e.Name, e.Declared, e.Detected)
}

// ValidationError covers the remaining attachment-scoped denials: path
// traversal and size.
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Name, e.Reason)
}

// Outcome is an explicit allow/deny decision. Denials carry a typed error;
// content is never silently dropped.
type Outcome struct {
	Allowed      bool
	Reason       string
	DetectedType string
	Err          error
}

func deny(err error, reason string) Outcome {
	return Outcome{Allowed: false, Reason: reason, Err: err}
}

// Validate checks one attachment against the policy and records the
// detected true type on the attachment.
func Validate(att *mailtree.Attachment, policy Policy) Outcome {
	name := att.OriginalName
	if name == "" {
		name = att.Name
	}
	if hasTraversal(name) {
		return deny(&ValidationError{Name: name, Reason: "path traversal in name"}, "path traversal in name")
	}
	if policy.MaxBytes > 0 && int64(len(att.Content)) > policy.MaxBytes {
		reason := fmt.Sprintf("size %d exceeds limit %d", len(att.Content), policy.MaxBytes)
		return deny(&ValidationError{Name: name, Reason: reason}, reason)
	}

	mt := mimetype.Detect(att.Content)
	att.DetectedType = mt.String()

	ext := strings.ToLower(filepath.Ext(SanitizeName(name)))
	if len(policy.AllowedExts) > 0 && !policy.AllowedExts[ext] {
		reason := fmt.Sprintf("extension %q not in allow-list", ext)
		return deny(&ValidationError{Name: name, Reason: reason}, reason)
	}

	if ext != "" && !matchesExtension(mt, ext) {
		if !policy.Permissive {
			return Outcome{
				Allowed:      false,
				Reason:       fmt.Sprintf("declared %s but content is %s", ext, mt.String()),
				DetectedType: mt.String(),
				Err:          &TypeMismatchError{Name: name, Declared: ext, Detected: mt.String()},
			}
		}
		return Outcome{
			Allowed:      true,
			Reason:       fmt.Sprintf("permitted despite mismatch: declared %s, detected %s", ext, mt.String()),
			DetectedType: mt.String(),
		}
	}

	return Outcome{Allowed: true, Reason: "ok", DetectedType: mt.String()}
}

// matchesExtension walks the detected type and its ancestors looking for
// the declared extension. Text-derived formats (csv, markdown) frequently
// sniff as plain text, so the text branch accepts its usual spellings.
func matchesExtension(mt *mimetype.MIME, ext string) bool {
	for m := mt; m != nil; m = m.Parent() {
		if strings.EqualFold(m.Extension(), ext) {
			return true
		}
	}
	if mt.Is("text/plain") || strings.HasPrefix(mt.String(), "text/") {
		switch ext {
		case ".txt", ".csv", ".md", ".html", ".htm", ".eml":
			return true
		}
	}
	// jpg/jpeg are interchangeable spellings.
	if mt.Is("image/jpeg") && (ext == ".jpg" || ext == ".jpeg") {
		return true
	}
	// docx/xlsx are zip containers; some producers sniff as zip.
	if mt.Is("application/zip") && (ext == ".docx" || ext == ".xlsx") {
		return true
	}
	return false
}

func hasTraversal(name string) bool {
	return strings.Contains(name, "..") ||
		strings.ContainsAny(name, "/\\") ||
		strings.HasPrefix(name, "~")
}

// SanitizeName strips path components and anything that could escape the
// output directory, keeping only a safe base name.
func SanitizeName(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." {
		name = "unnamed"
	}
	return name
}
