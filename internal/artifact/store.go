// Package artifact writes per-message outputs through a filesystem
// abstraction: body text, preserved attachments, converted document sets
// and the message metadata document.
package artifact

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/spf13/afero"

	"github.com/dgallion1/mailgest/internal/convert"
	"github.com/dgallion1/mailgest/internal/mailtree"
)

// Store is the root output writer.
type Store struct {
	fs   afero.Afero
	root string
}

func NewStore(fs afero.Fs, root string) *Store {
	return &Store{fs: afero.Afero{Fs: fs}, root: root}
}

// Message scopes writes to one message's output directory.
func (s *Store) Message(id string) *MessageWriter {
	return &MessageWriter{fs: s.fs, dir: path.Join(s.root, id)}
}

// MessageWriter writes artifacts under a single message directory.
type MessageWriter struct {
	fs  afero.Afero
	dir string
}

// Dir returns the message output directory.
func (w *MessageWriter) Dir() string { return w.dir }

// WriteBody stores the marker-bearing body text.
func (w *MessageWriter) WriteBody(text string) error {
	return w.write(path.Join(w.dir, "body.txt"), []byte(text))
}

// WriteAttachment preserves an original attachment or inline image.
func (w *MessageWriter) WriteAttachment(name string, content []byte) error {
	return w.write(path.Join(w.dir, "attachments", name), content)
}

// WriteConverted stores one conversion's output set under converted/<dir>.
func (w *MessageWriter) WriteConverted(dir string, res *convert.Result) error {
	base := path.Join(w.dir, "converted", dir)
	for _, out := range res.Outputs {
		if err := w.write(path.Join(base, out.Name), out.Content); err != nil {
			return err
		}
	}
	for _, img := range res.Images {
		if err := w.write(path.Join(base, "images", img.Name), img.Content); err != nil {
			return err
		}
	}
	if len(res.Chunks) > 0 {
		data, err := json.MarshalIndent(res.Chunks, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal chunks: %w", err)
		}
		if err := w.write(path.Join(base, "chunks.json"), data); err != nil {
			return err
		}
	}
	return nil
}

// NameMapping records one original -> generated name pair.
type NameMapping struct {
	Original  string `json:"original"`
	Generated string `json:"generated"`
	Kind      string `json:"kind"`
}

// ArtifactStatus is the per-artifact outcome in the metadata document.
type ArtifactStatus struct {
	Name      string `json:"name"`
	Converter string `json:"converter,omitempty"`
	Status    string `json:"status"` // converted, preserved, failed, skipped
	Reason    string `json:"reason,omitempty"`
	Output    string `json:"output,omitempty"` // partial-output location if any
	Retries   int    `json:"retries,omitempty"`
	Partial   bool   `json:"partial,omitempty"`
}

// Metadata is the one-per-message metadata document.
type Metadata struct {
	MessageID string              `json:"message_id"`
	Headers   map[string][]string `json:"headers"`
	Degraded  bool                `json:"degraded,omitempty"`
	Names     []NameMapping       `json:"names"`
	Markers   []mailtree.Marker   `json:"markers"`
	Artifacts []ArtifactStatus    `json:"artifacts"`
}

// WriteMetadata stores the message metadata document.
func (w *MessageWriter) WriteMetadata(meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return w.write(path.Join(w.dir, "message.json"), data)
}

func (w *MessageWriter) write(name string, content []byte) error {
	if err := w.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(name), err)
	}
	if err := w.fs.WriteFile(name, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}
