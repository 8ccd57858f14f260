// Package fetch turns a website URL into plain text for indexing.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrFetchFailed covers network errors, non-2xx responses, and pages
	// with no extractable text.
	ErrFetchFailed = errors.New("fetch: failed")
	// ErrFetchTimeout is returned when the request exceeds its deadline.
	ErrFetchTimeout = errors.New("fetch: timed out")
)

// Fetcher returns the text content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

// HTTPOpts configures an HTTP fetcher.
type HTTPOpts struct {
	Timeout   time.Duration // per request; default 10s
	MaxBytes  int64         // response body cap; default 10 MiB
	UserAgent string
	Client    *http.Client
}

// HTTP fetches pages over HTTP(S) and extracts their text.
type HTTP struct {
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	client    *http.Client
}

// NewHTTP creates an HTTP fetcher with defaults applied.
func NewHTTP(opts HTTPOpts) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "sitechat/1.0"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	return &HTTP{
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		client:    opts.Client,
	}
}

// Fetch GETs rawURL and returns its text. HTML is reduced to visible text,
// PDFs to their plain-text layer, and text/* bodies are returned as is.
func (f *HTTP) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid url %q", ErrFetchFailed, rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", classify(ctx, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned HTTP %d", ErrFetchFailed, rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", classify(ctx, rawURL, err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrFetchFailed, rawURL, f.maxBytes)
	}

	text, err := extract(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s has no text content", ErrFetchFailed, rawURL)
	}
	return text, nil
}

func classify(ctx context.Context, rawURL string, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s", ErrFetchTimeout, rawURL)
	}
	return fmt.Errorf("%w: %s: %v", ErrFetchFailed, rawURL, err)
}

func extract(contentType string, body []byte) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/pdf" || bytes.HasPrefix(body, []byte("%PDF-")):
		return PDFText(body)
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return HTMLText(bytes.NewReader(body))
	case strings.HasPrefix(mediaType, "text/"):
		return string(body), nil
	default:
		return "", fmt.Errorf("unsupported content type %q", mediaType)
	}
}
