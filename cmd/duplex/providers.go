package main

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/duplex/internal/app"
	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/resilience"
	"github.com/MrWong99/duplex/pkg/audio"
	audiofile "github.com/MrWong99/duplex/pkg/audio/file"
	"github.com/MrWong99/duplex/pkg/provider/realtime"
	oairealtime "github.com/MrWong99/duplex/pkg/provider/realtime/openai"
	"github.com/MrWong99/duplex/pkg/provider/token"
	oaitoken "github.com/MrWong99/duplex/pkg/provider/token/openai"
)

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Realtime ──────────────────────────────────────────────────────────────
	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (realtime.Provider, error) {
		opts := []oairealtime.Option{oairealtime.WithLogger(slog.Default())}
		if entry.Model != "" {
			opts = append(opts, oairealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oairealtime.WithBaseURL(entry.BaseURL))
		}
		switch td := oairealtime.TurnDetection(entry.OptionString("turn_detection", "")); td {
		case "":
		case oairealtime.TurnDetectionServerVAD, oairealtime.TurnDetectionNone:
			opts = append(opts, oairealtime.WithTurnDetection(td))
		default:
			return nil, fmt.Errorf("unknown turn_detection %q", td)
		}
		if m := entry.OptionString("transcription_model", ""); m != "" {
			opts = append(opts, oairealtime.WithTranscriptionModel(m))
		}
		return oairealtime.New(opts...), nil
	})

	// ── Token ─────────────────────────────────────────────────────────────────
	reg.RegisterToken("openai", func(entry config.ProviderEntry) (token.Source, error) {
		var opts []oaitoken.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitoken.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaitoken.WithModel(entry.Model))
		}
		if v := entry.OptionString("voice", ""); v != "" {
			opts = append(opts, oaitoken.WithVoice(v))
		}
		if s := entry.OptionString("timeout", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("timeout: %w", err)
			}
			opts = append(opts, oaitoken.WithTimeout(d))
		}
		return oaitoken.New(entry.APIKey, opts...)
	})
	reg.RegisterToken("static", func(entry config.ProviderEntry) (token.Source, error) {
		if entry.APIKey == "" {
			return nil, errors.New("static token source needs api_key")
		}
		return token.NewStatic(entry.APIKey), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────
	reg.RegisterAudio("file", func(entry config.ProviderEntry) (audio.Device, error) {
		path := entry.OptionString("path", "")
		if path == "" {
			return nil, errors.New("file audio device needs options.path")
		}
		opts := []audiofile.Option{
			audiofile.WithFormat(audio.Format{
				SampleRate: entry.OptionInt("sample_rate", 24000),
				Channels:   entry.OptionInt("channels", 1),
			}),
			audiofile.WithLoop(entry.OptionBool("loop", true)),
		}
		if s := entry.OptionString("chunk", ""); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("chunk: %w", err)
			}
			opts = append(opts, audiofile.WithChunk(d))
		}
		return audiofile.New(path, opts...), nil
	})
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}

	rt, err := reg.CreateRealtime(cfg.Providers.Realtime)
	if err != nil {
		return nil, fmt.Errorf("create realtime provider %q: %w", cfg.Providers.Realtime.Name, err)
	}
	ps.Realtime = rt
	slog.Info("provider created", "kind", "realtime", "name", cfg.Providers.Realtime.Name)

	tokens, err := buildTokens(cfg, reg)
	if err != nil {
		return nil, err
	}
	ps.Tokens = tokens

	if name := cfg.Providers.Audio.Name; name != "" {
		dev, err := reg.CreateAudio(cfg.Providers.Audio)
		if err != nil {
			return nil, fmt.Errorf("create audio provider %q: %w", name, err)
		}
		ps.Audio = dev
		slog.Info("provider created", "kind", "audio", "name", name)
	} else {
		slog.Info("no audio device configured, voice mode unavailable")
	}

	return ps, nil
}

// buildTokens composes the credential chain: the configured token source
// first, then the realtime API key as a static fallback.
func buildTokens(cfg *config.Config, reg *config.Registry) (token.Source, error) {
	var static token.Source
	if key := cfg.Providers.Realtime.APIKey; key != "" {
		static = token.NewStatic(key)
	}

	entry := cfg.Providers.Token
	if entry.Name == "" {
		if static == nil {
			return nil, errors.New("no token source: set providers.token or providers.realtime.api_key")
		}
		return static, nil
	}
	if entry.APIKey == "" {
		entry.APIKey = cfg.Providers.Realtime.APIKey
	}
	primary, err := reg.CreateToken(entry)
	if err != nil {
		return nil, fmt.Errorf("create token provider %q: %w", entry.Name, err)
	}
	slog.Info("provider created", "kind", "token", "name", entry.Name)
	if static == nil || entry.Name == "static" {
		return primary, nil
	}

	fb := resilience.NewTokenFallback(primary, entry.Name, resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  3,
			ResetTimeout: time.Minute,
		},
	})
	fb.AddFallback("static", static)
	slog.Info("token failover enabled", "order", fb.Sources())
	return fb, nil
}
