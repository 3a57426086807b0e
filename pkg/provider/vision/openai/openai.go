// Package openai provides a vision provider backed by the OpenAI Chat
// Completions API with image content parts. Any OpenAI-compatible server that
// accepts data URLs works via WithBaseURL.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/parley/pkg/provider"
	"github.com/MrWong99/parley/pkg/provider/vision"
)

var _ vision.Provider = (*Provider)(nil)

const (
	serviceName      = "openai-vision"
	defaultMaxTokens = 500
	defaultMimeType  = "image/jpeg"
)

// Provider implements vision.Provider.
type Provider struct {
	client    oai.Client
	model     string
	maxTokens int
}

type config struct {
	baseURL   string
	timeout   time.Duration
	maxTokens int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxTokens caps the description length. Defaults to 500.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// New constructs a vision Provider for model.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai-vision: apiKey must not be empty")
	}
	if model == "" {
		return nil, errors.New("openai-vision: model must not be empty")
	}
	cfg := &config{maxTokens: defaultMaxTokens}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model, maxTokens: cfg.maxTokens}, nil
}

// Describe implements vision.Provider.
func (p *Provider) Describe(ctx context.Context, req vision.Request) (string, error) {
	if req.ImageBase64 == "" {
		return "", errors.New("openai-vision: image must not be empty")
	}
	resp, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		var apiErr *oai.Error
		if errors.As(err, &apiErr) {
			return "", provider.Response(serviceName, apiErr.StatusCode, err)
		}
		return "", provider.Classify(serviceName, err)
	}
	if len(resp.Choices) == 0 {
		return "", provider.Response(serviceName, 0, errors.New("response has no choices"))
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *Provider) buildParams(req vision.Request) oai.ChatCompletionNewParams {
	prompt := req.Prompt
	if prompt == "" {
		prompt = vision.DefaultPrompt
	}
	model := p.model
	if req.Model != "" {
		model = req.Model
	}
	parts := []oai.ChatCompletionContentPartUnionParam{
		oai.TextContentPart(prompt),
		oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
			URL: dataURL(req.MimeType, req.ImageBase64),
		}),
	}
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{oai.UserMessage(parts)},
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(p.maxTokens))
	}
	return params
}

// dataURL builds a data: URL for the image. Inputs that already are data URLs
// are passed through.
func dataURL(mimeType, b64 string) string {
	if strings.HasPrefix(b64, "data:") {
		return b64
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, b64)
}
