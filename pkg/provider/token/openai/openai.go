// Package openai mints ephemeral realtime client secrets with the OpenAI API.
//
// Each FetchToken call creates a realtime session on the REST API and returns
// its client secret. The long-lived API key never reaches the realtime
// transport.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/duplex/pkg/provider/token"
)

var _ token.Source = (*Source)(nil)

// DefaultModel is the realtime model requested when minting secrets.
const DefaultModel = "gpt-4o-realtime-preview"

type config struct {
	baseURL string
	model   string
	voice   string
	timeout time.Duration
}

// Option is a functional option for [Source].
type Option func(*config)

// WithBaseURL overrides the default OpenAI REST base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the realtime model the secret is minted for.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithVoice sets the voice recorded on the minted session.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Source mints ephemeral client secrets.
type Source struct {
	client oai.Client
	model  string
	voice  string
}

// New constructs a Source authenticating with apiKey.
func New(apiKey string, opts ...Option) (*Source, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai token: apiKey must not be empty")
	}
	cfg := &config{model: DefaultModel}
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

	return &Source{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
		voice:  cfg.voice,
	}, nil
}

type sessionRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice,omitempty"`
}

type sessionResponse struct {
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

// FetchToken implements [token.Source].
func (s *Source) FetchToken(ctx context.Context) (token.Credential, error) {
	var res sessionResponse
	err := s.client.Post(ctx, "realtime/sessions", sessionRequest{Model: s.model, Voice: s.voice}, &res)
	if err != nil {
		return token.Credential{}, fmt.Errorf("openai token: mint: %w: %w", token.ErrUnavailable, err)
	}
	if res.ClientSecret.Value == "" {
		return token.Credential{}, fmt.Errorf("openai token: mint: %w: empty client secret", token.ErrUnavailable)
	}
	cred := token.Credential{Value: res.ClientSecret.Value, Ephemeral: true}
	if res.ClientSecret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(res.ClientSecret.ExpiresAt, 0)
	}
	return cred, nil
}
