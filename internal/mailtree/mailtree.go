package mailtree

// Message is a parsed email: top-level headers plus the root MIME part.
type Message struct {
	Headers map[string][]string
	Root    *Part
}

// Part is one node of the MIME tree. Parts exclusively own their children;
// ParentID is diagnostic only.
type Part struct {
	ID               string // dotted position path, e.g. "1.2"
	ParentID         string
	ContentType      string
	TransferEncoding string
	Disposition      string
	Filename         string
	ContentID        string
	Charset          string
	Body             []byte // decoded leaf content (nil for containers)
	Children         []*Part
}

// IsMultipart reports whether the part is a container.
func (p *Part) IsMultipart() bool {
	return len(p.Children) > 0
}

// Walk visits the part and all descendants depth-first in document order.
func (p *Part) Walk(fn func(*Part)) {
	fn(p)
	for _, c := range p.Children {
		c.Walk(fn)
	}
}

// MarkerKind distinguishes the artifact a positional marker points at.
type MarkerKind string

const (
	MarkerAttachment  MarkerKind = "attachment"
	MarkerInlineImage MarkerKind = "inline-image"
)

// Marker records where in the body text an attachment or inline image
// appeared in the original reading order.
type Marker struct {
	Kind   MarkerKind `json:"kind"`
	Name   string     `json:"name"`   // sanitized unique output name
	Offset int        `json:"offset"` // byte offset into BodyText
}

// Attachment is a non-inline leaf carrying file content.
type Attachment struct {
	PartID       string `json:"part_id"`
	OriginalName string `json:"original_name"`
	Name         string `json:"name"` // sanitized, globally unique
	ContentType  string `json:"content_type"`
	DetectedType string `json:"detected_type"` // from magic bytes, set by validation
	Content      []byte `json:"-"`
}

// InlineImage is an inline part referenced from the body by content-id.
type InlineImage struct {
	PartID       string `json:"part_id"`
	ContentID    string `json:"content_id"` // unique after dedup suffixing
	OriginalName string `json:"original_name"`
	Name         string `json:"name"`
	ContentType  string `json:"content_type"`
	Content      []byte `json:"-"`
}

// ExtractionResult is everything pulled out of one message.
type ExtractionResult struct {
	Headers     map[string][]string
	BodyText    string
	Attachments []Attachment
	Images      []InlineImage
	Markers     []Marker
	// Degraded is set when the multipart structure could not be walked and
	// the message fell back to a single unstructured part.
	Degraded bool
}
