package convert

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fumiama/go-docx"
	"github.com/yuin/goldmark"

	"github.com/dgallion1/mailgest/internal/chunker"
	"github.com/dgallion1/mailgest/internal/mailtree"
)

// WordConverter converts word-processor documents to markdown with
// metadata, deduplicated embedded images, a style manifest and, when
// enabled, chunked plain text.
type WordConverter struct{}

func (c *WordConverter) Name() string { return "word-processor" }

func (c *WordConverter) Supports(att *mailtree.Attachment) bool {
	return strings.EqualFold(filepath.Ext(att.Name), ".docx")
}

func (c *WordConverter) Convert(ctx context.Context, att *mailtree.Attachment, cfg Config) (*Result, error) {
	if err := revalidate(att, cfg); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := parseDocx(att.Content)
	if err != nil {
		return nil, &ProcessingError{Converter: c.Name(), Err: err}
	}

	markdown, plain, styles := renderDocx(doc)

	res := &Result{
		Converter: c.Name(),
		Outputs: []Output{
			{Name: "document.md", Content: []byte(markdown)},
		},
		Metadata: map[string]string{},
	}

	// HTML preview of the converted markup.
	var preview bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &preview); err == nil {
		res.Outputs = append(res.Outputs, Output{Name: "preview.html", Content: preview.Bytes()})
	} else {
		res.Warnings = append(res.Warnings, fmt.Sprintf("preview: %v", err))
	}

	if err := c.readPackage(att.Content, res, &styles); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("package: %v", err))
	}

	manifest, err := json.MarshalIndent(styles, "", "  ")
	if err == nil {
		res.Outputs = append(res.Outputs, Output{Name: "styles.json", Content: manifest})
	}

	if cfg.ChunkingEnabled {
		res.Chunks = chunker.Split(plain, cfg.Chunking)
	}
	res.Metadata["estimated_tokens"] = fmt.Sprintf("%d", chunker.EstimateTokens(plain))
	return res, nil
}

// parseDocx runs go-docx over a temp file. The file is removed on every
// exit path.
func parseDocx(content []byte) (*docx.Docx, error) {
	tmp, err := os.CreateTemp("", "mailgest-docx-*.docx")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	size, err := io.Copy(tmp, bytes.NewReader(content))
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("seek temp file: %w", err)
	}

	doc, err := docx.Parse(tmp, size)
	tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("parse docx: %w", err)
	}
	return doc, nil
}

// styleManifest is the side artifact describing document formatting:
// paragraph counts, per-style usage tallies, the document's font table and
// the formatting each used style resolves to.
type styleManifest struct {
	Paragraphs int                    `json:"paragraphs"`
	Styles     map[string]int         `json:"styles"`
	Fonts      []string               `json:"fonts,omitempty"`
	Formats    map[string]styleFormat `json:"formats,omitempty"`
}

// styleFormat carries the font and paragraph formatting a named style
// applies. Sizes are OOXML half-points, spacing twentieths of a point.
type styleFormat struct {
	Font          string `json:"font,omitempty"`
	SizeHalfPts   int    `json:"size_half_points,omitempty"`
	Bold          bool   `json:"bold,omitempty"`
	Italic        bool   `json:"italic,omitempty"`
	Alignment     string `json:"alignment,omitempty"`
	SpacingBefore int    `json:"spacing_before,omitempty"`
	SpacingAfter  int    `json:"spacing_after,omitempty"`
}

// renderDocx walks the document body once, emitting markdown, the plain
// text used for chunking, and the style manifest.
func renderDocx(doc *docx.Docx) (markdown, plain string, styles styleManifest) {
	styles.Styles = make(map[string]int)
	var md, txt strings.Builder

	for _, item := range doc.Document.Body.Items {
		para, ok := item.(*docx.Paragraph)
		if !ok {
			continue
		}
		styles.Paragraphs++

		text := paragraphText(para)
		if style := paragraphStyle(para); style != "" {
			styles.Styles[style]++
		}
		if text == "" {
			continue
		}

		if md.Len() > 0 {
			md.WriteString("\n\n")
			txt.WriteString("\n\n")
		}
		if level := headingLevel(para); level > 0 {
			md.WriteString(strings.Repeat("#", level))
			md.WriteString(" ")
		}
		md.WriteString(text)
		txt.WriteString(text)
	}
	return md.String(), txt.String(), styles
}

func paragraphStyle(para *docx.Paragraph) string {
	if para.Properties == nil || para.Properties.Style == nil {
		return ""
	}
	return para.Properties.Style.Val
}

func headingLevel(para *docx.Paragraph) int {
	style := strings.ToLower(strings.ReplaceAll(paragraphStyle(para), " ", ""))
	for level := 1; level <= 6; level++ {
		if style == fmt.Sprintf("heading%d", level) {
			return level
		}
	}
	return 0
}

func paragraphText(para *docx.Paragraph) string {
	var buf strings.Builder
	for _, child := range para.Children {
		run, ok := child.(*docx.Run)
		if !ok {
			continue
		}
		for _, rc := range run.Children {
			if t, ok := rc.(*docx.Text); ok {
				buf.WriteString(t.Text)
			}
		}
	}
	return strings.TrimSpace(buf.String())
}

// readPackage pulls document metadata, embedded media, the font table and
// style definitions straight from the OOXML zip; go-docx exposes none of
// these.
func (c *WordConverter) readPackage(content []byte, res *Result, styles *styleManifest) error {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}

	seen := make(map[[sha256.Size]byte]bool)
	for _, f := range zr.File {
		switch {
		case f.Name == "docProps/core.xml":
			if err := readCoreProps(f, res.Metadata); err != nil {
				return err
			}
		case f.Name == "docProps/custom.xml":
			if err := readCustomProps(f, res.Metadata); err != nil {
				return err
			}
		case f.Name == "word/fontTable.xml":
			if err := readFontTable(f, styles); err != nil {
				return err
			}
		case f.Name == "word/styles.xml":
			if err := readStyleDefs(f, styles); err != nil {
				return err
			}
		case strings.HasPrefix(f.Name, "word/media/"):
			data, err := readZipFile(f)
			if err != nil {
				return err
			}
			// Content-hash dedup: identical images embedded more than
			// once are emitted once.
			sum := sha256.Sum256(data)
			if seen[sum] {
				continue
			}
			seen[sum] = true
			res.Images = append(res.Images, Image{Name: path.Base(f.Name), Content: data})
		}
	}
	return nil
}

type corePropsXML struct {
	Title   string `xml:"title"`
	Creator string `xml:"creator"`
	Subject string `xml:"subject"`
	Created string `xml:"created"`
}

func readCoreProps(f *zip.File, meta map[string]string) error {
	data, err := readZipFile(f)
	if err != nil {
		return err
	}
	var props corePropsXML
	if err := xml.Unmarshal(data, &props); err != nil {
		return fmt.Errorf("core properties: %w", err)
	}
	if props.Title != "" {
		meta["title"] = props.Title
	}
	if props.Creator != "" {
		meta["author"] = props.Creator
	}
	if props.Subject != "" {
		meta["subject"] = props.Subject
	}
	if props.Created != "" {
		meta["created"] = props.Created
	}
	return nil
}

type customPropsXML struct {
	Properties []struct {
		Name  string `xml:"name,attr"`
		Value string `xml:"lpwstr"`
	} `xml:"property"`
}

func readCustomProps(f *zip.File, meta map[string]string) error {
	data, err := readZipFile(f)
	if err != nil {
		return err
	}
	var props customPropsXML
	if err := xml.Unmarshal(data, &props); err != nil {
		return fmt.Errorf("custom properties: %w", err)
	}
	for _, p := range props.Properties {
		if p.Name != "" && p.Value != "" {
			meta["custom."+p.Name] = p.Value
		}
	}
	return nil
}

type fontTableXML struct {
	Fonts []struct {
		Name string `xml:"name,attr"`
	} `xml:"font"`
}

func readFontTable(f *zip.File, styles *styleManifest) error {
	data, err := readZipFile(f)
	if err != nil {
		return err
	}
	var table fontTableXML
	if err := xml.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("font table: %w", err)
	}
	for _, font := range table.Fonts {
		if font.Name != "" {
			styles.Fonts = append(styles.Fonts, font.Name)
		}
	}
	return nil
}

type styleDefsXML struct {
	Styles []struct {
		Type    string `xml:"type,attr"`
		StyleID string `xml:"styleId,attr"`
		PPr     struct {
			Jc struct {
				Val string `xml:"val,attr"`
			} `xml:"jc"`
			Spacing struct {
				Before int `xml:"before,attr"`
				After  int `xml:"after,attr"`
			} `xml:"spacing"`
		} `xml:"pPr"`
		RPr struct {
			Fonts struct {
				ASCII string `xml:"ascii,attr"`
			} `xml:"rFonts"`
			Size struct {
				Val int `xml:"val,attr"`
			} `xml:"sz"`
			Bold   *toggleXML `xml:"b"`
			Italic *toggleXML `xml:"i"`
		} `xml:"rPr"`
	} `xml:"style"`
}

type toggleXML struct {
	Val string `xml:"val,attr"`
}

// on reports whether an OOXML toggle property is set. Presence with no
// value means enabled.
func (t *toggleXML) on() bool {
	return t != nil && t.Val != "0" && t.Val != "false"
}

// readStyleDefs resolves the formatting of each paragraph style the
// document actually uses.
func readStyleDefs(f *zip.File, styles *styleManifest) error {
	data, err := readZipFile(f)
	if err != nil {
		return err
	}
	var defs styleDefsXML
	if err := xml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("style definitions: %w", err)
	}
	for _, def := range defs.Styles {
		if def.Type != "paragraph" || styles.Styles[def.StyleID] == 0 {
			continue
		}
		if styles.Formats == nil {
			styles.Formats = make(map[string]styleFormat)
		}
		styles.Formats[def.StyleID] = styleFormat{
			Font:          def.RPr.Fonts.ASCII,
			SizeHalfPts:   def.RPr.Size.Val,
			Bold:          def.RPr.Bold.on(),
			Italic:        def.RPr.Italic.on(),
			Alignment:     def.PPr.Jc.Val,
			SpacingBefore: def.PPr.Spacing.Before,
			SpacingAfter:  def.PPr.Spacing.After,
		}
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, 64<<20))
}
