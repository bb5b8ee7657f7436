package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	pdflib "github.com/ledongthuc/pdf"

	"github.com/dgallion1/mailgest/internal/mailtree"
	"github.com/dgallion1/mailgest/internal/resilience"
)

// OCRClient calls the external OCR service.
type OCRClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

func NewOCRClient(endpoint, apiKey string, timeout time.Duration) *OCRClient {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OCRClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Endpoint identifies the service for breaker bookkeeping.
func (c *OCRClient) Endpoint() string { return c.endpoint }

// Close releases resources.
func (c *OCRClient) Close() {
	c.httpClient.CloseIdleConnections()
}

type ocrRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"` // base64 on the wire
}

// OCRPage is one page of the structured OCR result.
type OCRPage struct {
	Index    int        `json:"index"`
	Markdown string     `json:"markdown"`
	Error    string     `json:"error,omitempty"`
	Images   []OCRImage `json:"images,omitempty"`
}

// OCRImage is an embedded image returned with a page.
type OCRImage struct {
	ID     string `json:"id"`
	Data   []byte `json:"data"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type ocrResponse struct {
	Pages []OCRPage `json:"pages"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Process uploads a document and retrieves the per-page result. Timeouts,
// rate limits and server errors come back as transient.
func (c *OCRClient) Process(ctx context.Context, filename, contentType string, content []byte) (*ocrResponse, error) {
	body, err := json.Marshal(ocrRequest{Filename: filename, ContentType: contentType, Content: content})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &resilience.TransientError{Err: fmt.Errorf("ocr request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, &resilience.TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &resilience.TransientError{
			Err: fmt.Errorf("ocr status %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ocr status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var apiResp ocrResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("ocr error: %s: %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	return &apiResp, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// OCRDocConverter converts scanned documents and PDFs to markdown through
// the OCR service. Born-digital PDFs with a usable text layer are read
// locally and never leave the process.
type OCRDocConverter struct {
	client   *OCRClient
	breakers *resilience.Registry
	retry    resilience.RetryPolicy
}

func NewOCRDocConverter(client *OCRClient, breakers *resilience.Registry, retry resilience.RetryPolicy) *OCRDocConverter {
	return &OCRDocConverter{client: client, breakers: breakers, retry: retry}
}

func (c *OCRDocConverter) Name() string { return "ocr-document" }

func (c *OCRDocConverter) Supports(att *mailtree.Attachment) bool {
	switch strings.ToLower(filepath.Ext(att.Name)) {
	case ".pdf", ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}

// minTextLayerBytes is the threshold below which a PDF text layer is
// treated as absent (scanned pages often carry a few stray glyphs).
const minTextLayerBytes = 200

func (c *OCRDocConverter) Convert(ctx context.Context, att *mailtree.Attachment, cfg Config) (*Result, error) {
	if err := revalidate(att, cfg); err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(att.Name), ".pdf") {
		if pages, ok := pdfTextLayer(att.Content); ok {
			return c.assemble(pages, cfg, map[string]string{"source": "text-layer"}, 0)
		}
	}

	var resp *ocrResponse
	breaker := c.breakers.Get(c.client.Endpoint())
	attempts, err := resilience.Do(ctx, breaker, c.retry, func(ctx context.Context) error {
		r, callErr := c.client.Process(ctx, att.Name, att.ContentType, att.Content)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, &ExternalServiceError{Endpoint: c.client.Endpoint(), Attempts: attempts, Err: err}
	}

	return c.assemble(resp.Pages, cfg, map[string]string{"source": "ocr"}, attempts-1)
}

// assemble runs the shared page traversal. The three modes differ only in
// which outputs are retained.
func (c *OCRDocConverter) assemble(pages []OCRPage, cfg Config, meta map[string]string, retries int) (*Result, error) {
	mode := cfg.OCRMode
	if mode == "" {
		mode = ModeCombined
	}
	sep := cfg.PageSeparator
	if sep == "" {
		sep = "\n\n---\n\n"
	}

	res := &Result{Converter: c.Name(), Metadata: meta, Retries: retries}
	var parts []string
	succeeded, failed := 0, 0

	for _, page := range pages {
		if page.Error != "" {
			failed++
			res.Warnings = append(res.Warnings, fmt.Sprintf("page %d: %s", page.Index, page.Error))
			continue
		}
		succeeded++
		if mode != ModeImages {
			parts = append(parts, page.Markdown)
		}
		if mode != ModeText {
			for _, img := range page.Images {
				if cfg.MinImagePixels > 0 && (img.Width < cfg.MinImagePixels || img.Height < cfg.MinImagePixels) {
					continue
				}
				if cfg.MaxImages > 0 && len(res.Images) >= cfg.MaxImages {
					break
				}
				name := img.ID
				if name == "" {
					name = fmt.Sprintf("page-%d-img-%d", page.Index, len(res.Images))
				}
				res.Images = append(res.Images, Image{
					Name:    name + ".png",
					Content: img.Data,
					Width:   img.Width,
					Height:  img.Height,
				})
			}
		}
	}

	if succeeded == 0 && failed > 0 {
		return nil, &ExternalServiceError{
			Endpoint: c.client.Endpoint(),
			Attempts: retries + 1,
			Err:      fmt.Errorf("all %d pages failed", failed),
		}
	}
	res.Partial = failed > 0
	res.Metadata["pages"] = fmt.Sprintf("%d", len(pages))

	if mode != ModeImages {
		res.Outputs = append(res.Outputs, Output{
			Name:    "document.md",
			Content: []byte(strings.Join(parts, sep)),
		})
	}
	return res, nil
}

// pdfTextLayer extracts embedded page text from a born-digital PDF.
func pdfTextLayer(content []byte) ([]OCRPage, bool) {
	reader, err := pdflib.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, false
	}

	var pages []OCRPage
	total := 0
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		total += len(text)
		pages = append(pages, OCRPage{Index: i, Markdown: text})
	}
	if total < minTextLayerBytes {
		return nil, false
	}
	return pages, true
}
