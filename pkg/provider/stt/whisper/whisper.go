// Package whisper provides a local whisper.cpp-backed STT provider.
//
// It talks to a running whisper-server binary (which exposes a REST API at
// POST /inference). whisper.cpp is a batch engine, so streaming is simulated:
// the provider segments the microphone audio with a VAD engine (energy-based
// by default) and submits each completed utterance as one inference request.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080", whisper.WithLanguage("en"))
//	handle, err := p.StartStream(ctx, cfg)
//	handle.SendAudio(pcmChunk)
//	transcript := <-handle.Finals()
//	handle.Close()
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/stt/batch"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
	"github.com/MrWong99/liveinterview/pkg/provider/vad/energy"
)

const defaultLanguage = "en"

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with; this is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the default language code sent to the server when the
// stream config does not name one. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithHTTPClient sets the client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithVAD sets the engine used to segment utterances. Default: energy.New().
func WithVAD(e vad.Engine) Option {
	return func(p *Provider) {
		p.vad = e
	}
}

// WithBatchOptions passes options through to the streaming adapter.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(p *Provider) {
		p.batchOpts = append(p.batchOpts, opts...)
	}
}

// Provider implements stt.Provider and stt.Transcriber backed by a whisper.cpp
// HTTP server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
	vad        vad.Engine
	batchOpts  []batch.Option

	stream *batch.Provider
}

// New creates a Provider for the whisper.cpp server at serverURL (e.g.,
// "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	if p.vad == nil {
		p.vad = energy.New()
	}
	stream, err := batch.New(p, p.vad, p.batchOpts...)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	p.stream = stream
	return p, nil
}

// StartStream opens a segmented transcription session. No network request is
// made until the first utterance completes.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if cfg.Language == "" {
		cfg.Language = p.language
	}
	h, err := p.stream.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("whisper: %w", err)
	}
	return h, nil
}

// Transcribe encodes pcm as a WAV file and POSTs it to the /inference
// endpoint as multipart/form-data. Client errors other than 408 and 429 are
// reported as permanent.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format media.Format, language string) (string, error) {
	if language == "" {
		language = p.language
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(media.EncodeWAV(pcm, format)); err != nil {
		return "", fmt.Errorf("whisper: write wav data: %w", err)
	}
	if language != "" {
		if err := mw.WriteField("language", language); err != nil {
			return "", fmt.Errorf("whisper: write language field: %w", err)
		}
	}
	if p.model != "" {
		if err := mw.WriteField("model", p.model); err != nil {
			return "", fmt.Errorf("whisper: write model field: %w", err)
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", fmt.Errorf("whisper: write response_format field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return "", fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
		if permanentStatus(resp.StatusCode) {
			return "", fmt.Errorf("%w: %w", err, stt.ErrPermanent)
		}
		return "", err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: read response body: %w", err)
	}
	var result struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("whisper: parse JSON response: %w", err)
	}
	return strings.TrimSpace(result.Text), nil
}

// permanentStatus reports whether an HTTP status means retrying is futile.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
