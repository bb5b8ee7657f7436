// Package convert turns extracted attachments into AI-consumable outputs
// through a registry of format converters.
package convert

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dgallion1/mailgest/internal/chunker"
	"github.com/dgallion1/mailgest/internal/mailtree"
	"github.com/dgallion1/mailgest/internal/security"
)

// Mode selects which OCR outputs are retained.
type Mode string

const (
	ModeText     Mode = "text"
	ModeImages   Mode = "images"
	ModeCombined Mode = "combined"
)

// Config carries the per-conversion settings shared by all converters.
type Config struct {
	MaxBytes int64
	Policy   security.Policy

	// OCR document conversion.
	PageSeparator  string
	OCRMode        Mode
	MinImagePixels int
	MaxImages      int

	// Word-processor chunking.
	ChunkingEnabled bool
	Chunking        chunker.Config
}

// Output is one named text/markup artifact of a conversion.
type Output struct {
	Name    string
	Content []byte
}

// Image is an extracted embedded image.
type Image struct {
	Name    string
	Content []byte
	Width   int
	Height  int
}

// Result is what a converter produces for one attachment.
type Result struct {
	Converter string
	Outputs   []Output
	Images    []Image
	Metadata  map[string]string
	Chunks    []chunker.Chunk
	// Retries is how many attempts an external call took.
	Retries int
	// Partial is set when some pages succeeded and some failed.
	Partial  bool
	Warnings []string
}

// Converter is the common contract: capability check plus transformation.
type Converter interface {
	Name() string
	Supports(att *mailtree.Attachment) bool
	Convert(ctx context.Context, att *mailtree.Attachment, cfg Config) (*Result, error)
}

// UnsupportedFormatError means no converter claims the attachment.
type UnsupportedFormatError struct {
	Name string
	Ext  string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q for %s", e.Ext, e.Name)
}

// FileSizeError means the attachment exceeds the conversion size limit.
type FileSizeError struct {
	Name  string
	Size  int64
	Limit int64
}

func (e *FileSizeError) Error() string {
	return fmt.Sprintf("%s: size %d exceeds limit %d", e.Name, e.Size, e.Limit)
}

// ExternalServiceError means the external service failed after retries or
// the circuit was open.
type ExternalServiceError struct {
	Endpoint string
	Attempts int
	Err      error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s failed after %d attempts: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ProcessingError wraps unexpected internal converter failures.
type ProcessingError struct {
	Converter string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s converter: %v", e.Converter, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// Registry dispatches attachments to the first converter that supports
// them, in registration order.
type Registry struct {
	converters []Converter
}

func NewRegistry(converters ...Converter) *Registry {
	return &Registry{converters: converters}
}

// For returns the converter for an attachment, or UnsupportedFormatError.
func (r *Registry) For(att *mailtree.Attachment) (Converter, error) {
	for _, c := range r.converters {
		if c.Supports(att) {
			return c, nil
		}
	}
	return nil, &UnsupportedFormatError{
		Name: att.Name,
		Ext:  strings.ToLower(filepath.Ext(att.Name)),
	}
}

// OutputDir derives a deterministic output directory name from the source
// part id and conversion timestamp.
func OutputDir(att *mailtree.Attachment, ts time.Time) string {
	base := strings.TrimSuffix(att.Name, filepath.Ext(att.Name))
	return fmt.Sprintf("%s-%s-%s", base, strings.ReplaceAll(att.PartID, ".", "_"), ts.UTC().Format("20060102T150405Z"))
}

// revalidate re-checks size and type before transforming. Converters never
// trust upstream validation.
func revalidate(att *mailtree.Attachment, cfg Config) error {
	if cfg.MaxBytes > 0 && int64(len(att.Content)) > cfg.MaxBytes {
		return &FileSizeError{Name: att.Name, Size: int64(len(att.Content)), Limit: cfg.MaxBytes}
	}
	outcome := security.Validate(att, cfg.Policy)
	if !outcome.Allowed {
		return outcome.Err
	}
	return nil
}
