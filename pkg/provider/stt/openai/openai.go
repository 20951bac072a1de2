// Package openai provides an STT provider backed by OpenAI's hosted audio
// transcription endpoint.
//
// The endpoint transcribes whole files, so streaming follows the same batch
// pattern as the whisper provider: a VAD engine cuts utterances and each one
// is uploaded as a WAV file.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/liveinterview/pkg/media"
	"github.com/MrWong99/liveinterview/pkg/provider/stt"
	"github.com/MrWong99/liveinterview/pkg/provider/stt/batch"
	"github.com/MrWong99/liveinterview/pkg/provider/vad"
	"github.com/MrWong99/liveinterview/pkg/provider/vad/energy"
)

// DefaultModel is the default transcription model.
const DefaultModel = string(oai.AudioModelWhisper1)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	language     string
	vad          vad.Engine
	batchOpts    []batch.Option
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLanguage sets the ISO-639-1 language hint used when the stream config
// does not name one.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithVAD sets the engine used to segment utterances. Default: energy.New().
func WithVAD(e vad.Engine) Option {
	return func(c *config) {
		c.vad = e
	}
}

// WithBatchOptions passes options through to the streaming adapter.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(c *config) {
		c.batchOpts = append(c.batchOpts, opts...)
	}
}

// Provider implements stt.Provider and stt.Transcriber using the OpenAI API.
type Provider struct {
	client   oai.Client
	model    string
	language string
	stream   *batch.Provider
}

// New constructs a Provider. If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	p := &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: normaliseLanguage(cfg.language),
	}
	engine := cfg.vad
	if engine == nil {
		engine = energy.New()
	}
	stream, err := batch.New(p, engine, cfg.batchOpts...)
	if err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	p.stream = stream
	return p, nil
}

// ModelID returns the configured model.
func (p *Provider) ModelID() string { return p.model }

// StartStream implements stt.Provider.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, err := p.stream.StartStream(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("openai stt: %w", err)
	}
	return h, nil
}

// Transcribe implements stt.Transcriber. Authentication and request errors
// are reported as permanent; rate limits and server errors are not.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, format media.Format, language string) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(media.EncodeWAV(pcm, format)), "utterance.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	if lang := normaliseLanguage(language); lang != "" {
		params.Language = param.NewOpt(lang)
	} else if p.language != "" {
		params.Language = param.NewOpt(p.language)
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) && permanentStatus(apiErr.StatusCode) {
			return "", fmt.Errorf("openai stt: transcribe: %w: %w", err, stt.ErrPermanent)
		}
		return "", fmt.Errorf("openai stt: transcribe: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// normaliseLanguage reduces a BCP-47 tag like "en-US" to the ISO-639-1 code
// the endpoint expects.
func normaliseLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}

func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
