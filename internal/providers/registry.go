package providers

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/mbd888/credgate/internal/ratelimit"
)

// Credentials carries the provider keys. A provider whose key is empty is
// not registered. Base URLs are optional overrides.
type Credentials struct {
	OpenAIKey      string
	OpenAIBaseURL  string
	GeminiKey      string
	ElevenLabsKey  string
	ElevenLabsURL  string
	DeepgramKey    string
	DeepgramURL    string
	HuggingFaceKey string
	HFChatURL      string
	HFTTSURL       string
}

// Registry owns the constructed adapters.
type Registry struct {
	adapters map[string]Adapter
	closers  []func() error
}

// NewRegistry builds an adapter for every provider with credentials.
func NewRegistry(ctx context.Context, creds Credentials, caller *Caller, limiter *ratelimit.ProviderLimiter, logger *slog.Logger) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter)}

	if creds.OpenAIKey != "" {
		r.adapters[OpenAI] = NewOpenAI(creds.OpenAIKey, creds.OpenAIBaseURL, limiter)
	}
	if creds.GeminiKey != "" {
		g, err := NewGemini(ctx, creds.GeminiKey, limiter)
		if err != nil {
			return nil, err
		}
		r.adapters[Gemini] = g
		r.closers = append(r.closers, g.Close)
	}
	if creds.ElevenLabsKey != "" {
		r.adapters[ElevenLabs] = NewElevenLabs(caller, creds.ElevenLabsKey, creds.ElevenLabsURL)
	}
	if creds.DeepgramKey != "" {
		r.adapters[Deepgram] = NewDeepgram(caller, creds.DeepgramKey, creds.DeepgramURL)
	}
	if creds.HuggingFaceKey != "" {
		if creds.HFChatURL == "" && creds.HFTTSURL == "" {
			logger.Warn("huggingface key set without endpoints; provider disabled")
		} else {
			r.adapters[HuggingFace] = NewHuggingFace(caller, creds.HuggingFaceKey, creds.HFChatURL, creds.HFTTSURL)
		}
	}

	logger.Info("providers registered", "providers", r.Names())
	return r, nil
}

// Adapters returns the registered adapters keyed by provider name.
func (r *Registry) Adapters() map[string]Adapter {
	out := make(map[string]Adapter, len(r.adapters))
	for k, v := range r.adapters {
		out[k] = v
	}
	return out
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
