package extractor

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"golang.org/x/text/encoding/charmap"

	"github.com/dgallion1/mailgest/internal/mailtree"
	"github.com/dgallion1/mailgest/internal/security"
)

func init() {
	// Charsets commonly seen in email but not registered by default.
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// MalformedMessageError indicates the top-level message structure could not
// be parsed at all. Defects inside the MIME tree degrade instead.
type MalformedMessageError struct {
	Reason string
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// Extract parses a raw RFC 5322 message into body text, attachments and
// inline images with positional markers.
func Extract(raw []byte) (*mailtree.ExtractionResult, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &MalformedMessageError{Reason: err.Error()}
	}
	if entity == nil {
		return nil, &MalformedMessageError{Reason: "empty message"}
	}

	msg := &mailtree.Message{
		Headers: headerMap(entity),
		Root:    &mailtree.Part{ID: "1"},
	}

	w := &walker{}
	w.walk(entity, msg.Root)

	res := assemble(msg)
	res.Degraded = w.degraded

	// A message whose multipart walk yielded nothing usable degrades to a
	// single unstructured part rather than failing.
	if res.BodyText == "" && len(res.Attachments) == 0 && len(res.Images) == 0 {
		res.BodyText = decodeFallback(bytes.TrimSpace(rawBody(raw)))
		res.Degraded = true
	}
	return res, nil
}

type walker struct {
	degraded bool
}

// walk fills part from entity and recurses into multipart children.
func (w *walker) walk(entity *message.Entity, part *mailtree.Part) {
	ct, params, err := entity.Header.ContentType()
	if err != nil {
		ct = "text/plain"
		params = nil
	}
	part.ContentType = ct
	part.Charset = params["charset"]
	part.TransferEncoding = entity.Header.Get("Content-Transfer-Encoding")
	part.ContentID = strings.Trim(entity.Header.Get("Content-Id"), "<>")

	if disp, dispParams, err := mime.ParseMediaType(entity.Header.Get("Content-Disposition")); err == nil {
		part.Disposition = disp
		part.Filename = dispParams["filename"]
	}
	if part.Filename == "" {
		part.Filename = params["name"]
	}

	mr := entity.MultipartReader()
	if mr == nil {
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			// Truncated or mis-encoded leaf: keep what was read.
			w.degraded = true
		}
		part.Body = body
		return
	}

	for i := 1; ; i++ {
		sub, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			// Missing or unmatched boundary. Keep the children parsed so
			// far and degrade instead of failing the message.
			w.degraded = true
			break
		}
		child := &mailtree.Part{
			ID:       fmt.Sprintf("%s.%d", part.ID, i),
			ParentID: part.ID,
		}
		w.walk(sub, child)
		part.Children = append(part.Children, child)
	}
}

// assemble walks the finished part tree in document order, building the
// body text with a positional marker at each attachment and inline image.
func assemble(msg *mailtree.Message) *mailtree.ExtractionResult {
	res := &mailtree.ExtractionResult{Headers: msg.Headers}

	// First pass decides whether any text/plain leaf exists; when it does,
	// text/html alternatives are dropped rather than stripped.
	havePlain := false
	msg.Root.Walk(func(p *mailtree.Part) {
		if !p.IsMultipart() && p.Disposition != "attachment" && strings.HasPrefix(p.ContentType, "text/plain") {
			havePlain = true
		}
	})

	names := newNameSet()
	cids := map[string]int{}
	var body strings.Builder

	msg.Root.Walk(func(p *mailtree.Part) {
		if p.IsMultipart() {
			return
		}
		switch classify(p) {
		case classText:
			// Leaves with an unknown or invalid declared charset reach
			// here undecoded; recover them instead of emitting raw bytes.
			text := string(p.Body)
			if !utf8.ValidString(text) {
				text = decodeFallback(p.Body)
			}
			if strings.HasPrefix(p.ContentType, "text/html") {
				if havePlain {
					return
				}
				appendBody(&body, htmlToText(text))
				return
			}
			appendBody(&body, strings.TrimRight(text, "\r\n"))

		case classInlineImage:
			cid := p.ContentID
			cids[cid]++
			if n := cids[cid]; n > 1 {
				cid = fmt.Sprintf("%s-%d", cid, n)
			}
			name := names.unique(security.SanitizeName(imageName(p)))
			res.Markers = append(res.Markers, marker(&body, mailtree.MarkerInlineImage, name))
			res.Images = append(res.Images, mailtree.InlineImage{
				PartID:       p.ID,
				ContentID:    cid,
				OriginalName: p.Filename,
				Name:         name,
				ContentType:  p.ContentType,
				Content:      p.Body,
			})

		case classAttachment:
			name := names.unique(security.SanitizeName(p.Filename))
			res.Markers = append(res.Markers, marker(&body, mailtree.MarkerAttachment, name))
			res.Attachments = append(res.Attachments, mailtree.Attachment{
				PartID:       p.ID,
				OriginalName: p.Filename,
				Name:         name,
				ContentType:  p.ContentType,
				Content:      p.Body,
			})
		}
	})

	res.BodyText = body.String()
	return res
}

type partClass int

const (
	classText partClass = iota
	classInlineImage
	classAttachment
	classIgnore
)

func classify(p *mailtree.Part) partClass {
	switch {
	case p.Disposition == "attachment":
		return classAttachment
	case p.Disposition == "inline" && p.ContentID != "":
		return classInlineImage
	case strings.HasPrefix(p.ContentType, "text/plain"), strings.HasPrefix(p.ContentType, "text/html"):
		return classText
	case p.Filename != "":
		// Undeclared disposition but a filename: treat as attachment.
		return classAttachment
	case len(p.Body) == 0:
		return classIgnore
	default:
		return classAttachment
	}
}

func marker(body *strings.Builder, kind mailtree.MarkerKind, name string) mailtree.Marker {
	if body.Len() > 0 && !strings.HasSuffix(body.String(), "\n") {
		body.WriteString("\n")
	}
	m := mailtree.Marker{Kind: kind, Name: name, Offset: body.Len()}
	fmt.Fprintf(body, "[%s: %s]\n", kind, name)
	return m
}

func appendBody(body *strings.Builder, text string) {
	if text == "" {
		return
	}
	if body.Len() > 0 {
		body.WriteString("\n\n")
	}
	body.WriteString(text)
}

func imageName(p *mailtree.Part) string {
	if p.Filename != "" {
		return p.Filename
	}
	name := p.ContentID
	if name == "" {
		name = "inline-" + strings.ReplaceAll(p.ID, ".", "-")
	}
	if ext := extensionFor(p.ContentType); ext != "" && !strings.Contains(name, ".") {
		name += ext
	}
	return name
}

func extensionFor(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/png"):
		return ".png"
	case strings.HasPrefix(contentType, "image/jpeg"):
		return ".jpg"
	case strings.HasPrefix(contentType, "image/gif"):
		return ".gif"
	}
	return ""
}

// nameSet hands out unique output names by suffixing a counter before the
// extension: report.pdf, report-2.pdf, ...
type nameSet struct {
	seen map[string]int
}

func newNameSet() *nameSet {
	return &nameSet{seen: make(map[string]int)}
}

func (s *nameSet) unique(name string) string {
	s.seen[name]++
	n := s.seen[name]
	if n == 1 {
		return name
	}
	ext := ""
	base := name
	if i := strings.LastIndex(name, "."); i > 0 {
		base, ext = name[:i], name[i:]
	}
	candidate := fmt.Sprintf("%s-%d%s", base, n, ext)
	for s.seen[candidate] > 0 {
		n++
		candidate = fmt.Sprintf("%s-%d%s", base, n, ext)
	}
	s.seen[candidate]++
	return candidate
}

func headerMap(entity *message.Entity) map[string][]string {
	headers := make(map[string][]string)
	fields := entity.Header.Fields()
	for fields.Next() {
		key := fields.Key()
		headers[key] = append(headers[key], fields.Value())
	}
	return headers
}

// rawBody returns everything after the header block.
func rawBody(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[i+2:]
	}
	return nil
}

// decodeFallback recovers display text from undecodable content: valid
// UTF-8 passes through, anything else is read as windows-1252.
func decodeFallback(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if utf8.Valid(b) {
		return string(b)
	}
	decoded, err := charmap.Windows1252.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(decoded)
}
