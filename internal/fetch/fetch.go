// Package fetch is the browser primitive: it downloads a page and
// reduces its HTML to readable text for the model.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/agentcore/internal/httpkit"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 5 << 20
	// DefaultMaxChars caps extracted text when neither the caller nor
	// config sets a limit.
	DefaultMaxChars = 50000
)

// ErrMissingURL is returned when no URL is given.
var ErrMissingURL = errors.New("url is required")

// Page is the extracted content of one URL.
type Page struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	Truncated   bool   `json:"truncated,omitempty"`
}

// Fetcher downloads pages. It is safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxChars int
}

// New returns a Fetcher that caps extracted text at maxChars runes;
// zero selects DefaultMaxChars.
func New(maxChars int) *Fetcher {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(defaultTimeout)),
		maxBytes: defaultMaxBytes,
		maxChars: maxChars,
	}
}

// normalizeURL adds a scheme to bare hosts and rejects anything that is
// not http or https.
func normalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", raw)
	}
	return u.String(), nil
}

// Fetch downloads rawURL and extracts its text. limit overrides the
// Fetcher's character cap when positive and smaller.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, limit int) (*Page, error) {
	target, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", target, err)
	}

	page := &Page{
		URL:         resp.Request.URL.String(),
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}

	media, _, _ := mime.ParseMediaType(page.ContentType)
	switch {
	case media == "text/html" || media == "application/xhtml+xml":
		page.Title, page.Text = extractHTML(body)
	case strings.HasPrefix(media, "text/") || utf8.Valid(body):
		page.Text = string(body)
	default:
		page.Text = fmt.Sprintf("binary content (%s, %d bytes)", page.ContentType, len(body))
		return page, nil
	}

	maxChars := f.maxChars
	if limit > 0 && limit < maxChars {
		maxChars = limit
	}
	page.Text, page.Truncated = truncateRunes(page.Text, maxChars)
	return page, nil
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) (string, bool) {
	if len(s) <= n {
		return s, false
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i], true
		}
		count++
	}
	return s, false
}
