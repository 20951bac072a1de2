// Package upload posts the candidate's resume to the interview backend before
// a session is joined.
//
// The request is a multipart/form-data POST with the document in the "file"
// field. Any 2xx response counts as success; the response body is returned
// verbatim and never interpreted.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/liveinterview/internal/observe"
)

// FieldName is the multipart field carrying the document.
const FieldName = "file"

const (
	defaultTimeout = 60 * time.Second

	// maxResponseBytes caps how much of the response body is kept.
	maxResponseBytes = 64 << 10
)

var (
	// ErrRejected is returned when the server answers with a non-2xx status.
	ErrRejected = errors.New("upload: rejected")

	// ErrTooLarge is returned before any request is made when the document
	// exceeds the configured size limit.
	ErrTooLarge = errors.New("upload: file too large")
)

// Result describes an accepted upload.
type Result struct {
	// Status is the HTTP status code returned by the server.
	Status int

	// Body is the (possibly truncated) response body.
	Body string
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithHTTPClient sets the client used for uploads. Defaults to a client
// without its own timeout; per-upload deadlines come from [WithTimeout].
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithTimeout bounds one upload including the response. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.timeout = d
		}
	}
}

// WithMaxBytes rejects documents larger than n bytes. Zero means no limit.
func WithMaxBytes(n int64) Option {
	return func(cl *Client) {
		cl.maxBytes = n
	}
}

// WithMetrics records every finished upload on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// Client uploads documents to a fixed URL. It is safe for concurrent use.
type Client struct {
	url        string
	httpClient *http.Client
	timeout    time.Duration
	maxBytes   int64
	metrics    *observe.Metrics
}

// New returns a [Client] posting to url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:        url,
		httpClient: http.DefaultClient,
		timeout:    defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// UploadFile reads the document at path and uploads it under its base name.
func (c *Client) UploadFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("upload: open %q: %w", path, err)
	}
	defer f.Close()

	if c.maxBytes > 0 {
		if st, err := f.Stat(); err == nil && st.Size() > c.maxBytes {
			c.record(ctx, "rejected")
			return nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, st.Size(), c.maxBytes)
		}
	}
	return c.Upload(ctx, filepath.Base(path), f)
}

// Upload posts the contents of r as the "file" field with the given file
// name. It returns [ErrRejected] (wrapped with the status and body) for any
// non-2xx response and [ErrTooLarge] when r exceeds the size limit.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (*Result, error) {
	if c.url == "" {
		return nil, errors.New("upload: no url configured")
	}

	ctx, span := observe.StartSpan(ctx, "upload.Upload")
	defer span.End()

	src := r
	if c.maxBytes > 0 {
		src = io.LimitReader(r, c.maxBytes+1)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(FieldName, name)
	if err != nil {
		return nil, fmt.Errorf("upload: create form file: %w", err)
	}
	n, err := io.Copy(fw, src)
	if err != nil {
		return nil, fmt.Errorf("upload: read document: %w", err)
	}
	if c.maxBytes > 0 && n > c.maxBytes {
		c.record(ctx, "rejected")
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, c.maxBytes)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("upload: close multipart writer: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("upload: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(ctx, "error")
		return nil, fmt.Errorf("upload: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.record(ctx, "error")
		return nil, fmt.Errorf("upload: read response: %w", err)
	}
	text := strings.TrimSpace(string(raw))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.record(ctx, "rejected")
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrRejected, resp.StatusCode, text)
	}

	c.record(ctx, "ok")
	observe.Logger(ctx).Info("resume uploaded",
		"name", name,
		"bytes", n,
		"status", resp.StatusCode,
		"elapsed", time.Since(start),
	)
	return &Result{Status: resp.StatusCode, Body: text}, nil
}

func (c *Client) record(ctx context.Context, status string) {
	if c.metrics != nil {
		c.metrics.RecordUpload(ctx, status)
	}
}
