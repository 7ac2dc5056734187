// Package providers adapts third-party AI vendors to three capabilities:
// chat completion, speech synthesis and transcription.
//
// Every outbound call runs through ratelimit.Execute, so identical
// concurrent requests coalesce, per-provider admission is enforced and
// transient failures are retried with backoff. Vendor errors are
// normalised to *ProviderError.
package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoProvider means no configured provider serves a capability.
	ErrNoProvider = errors.New("providers: no provider configured")

	// ErrProviderFailed is matched by every *ProviderError via errors.Is.
	ErrProviderFailed = errors.New("providers: provider call failed")

	ErrUnknownProvider = errors.New("providers: unknown provider")
)

// Provider names.
const (
	OpenAI      = "openai"
	Gemini      = "gemini"
	ElevenLabs  = "elevenlabs"
	Deepgram    = "deepgram"
	HuggingFace = "huggingface"
)

// Known lists every provider name the registry can build.
var Known = []string{OpenAI, Gemini, ElevenLabs, Deepgram, HuggingFace}

// Capability is a kind of work a provider can perform.
type Capability string

const (
	CapChat          Capability = "chat"
	CapSpeech        Capability = "tts"
	CapTranscription Capability = "stt"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // system, user or assistant
	Content string `json:"content"`
}

// ChatOptions tune a completion. Zero values use the adapter defaults.
type ChatOptions struct {
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// SpeechOptions tune synthesis. Zero values use the adapter defaults.
type SpeechOptions struct {
	Voice string `json:"voice,omitempty"`
	Model string `json:"model,omitempty"`
}

// Audio is synthesized speech.
type Audio struct {
	Data        []byte
	ContentType string
}

// Adapter is implemented by every provider.
type Adapter interface {
	Name() string
}

type ChatCompleter interface {
	Adapter
	Complete(ctx context.Context, messages []Message, opts ChatOptions) (string, error)
}

type SpeechSynthesizer interface {
	Adapter
	Synthesize(ctx context.Context, text string, opts SpeechOptions) (*Audio, error)
}

type Transcriber interface {
	Adapter
	Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error)
}

// ProviderError is a normalised vendor failure. HTTPStatus is zero when no
// response was received.
type ProviderError struct {
	Provider   string
	HTTPStatus int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("providers: %s returned %d: %s", e.Provider, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("providers: %s: %s", e.Provider, e.Message)
}

// Is makes errors.Is(err, ErrProviderFailed) true.
func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailed }

func (e *ProviderError) Unwrap() error { return e.Err }

// StatusCode lets the retry classifier see the upstream status.
func (e *ProviderError) StatusCode() int { return e.HTTPStatus }

// RetryAfterHint exposes the vendor's Retry-After as a backoff floor.
func (e *ProviderError) RetryAfterHint() time.Duration { return e.RetryAfter }

// transportError wraps a failure that happened before any response.
func transportError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: err.Error(), Err: err}
}
