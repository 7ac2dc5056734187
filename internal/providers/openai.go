package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/retry"
)

// Defaults for the OpenAI adapter.
const (
	OpenAIChatModel   = openai.GPT4oMini
	OpenAISpeechModel = openai.TTSModel1
	OpenAIVoice       = openai.VoiceAlloy
)

// OpenAIAdapter serves chat, speech and transcription through go-openai.
type OpenAIAdapter struct {
	client  *openai.Client
	limiter *ratelimit.ProviderLimiter
}

// NewOpenAI creates the adapter. baseURL overrides the API endpoint (tests,
// Azure-compatible gateways); empty keeps the default.
func NewOpenAI(apiKey, baseURL string, limiter *ratelimit.ProviderLimiter) *OpenAIAdapter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(cfg), limiter: limiter}
}

func (a *OpenAIAdapter) Name() string { return OpenAI }

func (a *OpenAIAdapter) Complete(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       OpenAIChatModel,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openaiRole(m.Role), Content: m.Content})
	}

	return instrument(ctx, OpenAI, CapChat, func(ctx context.Context) (string, error) {
		return sdkCall(ctx, a.limiter, OpenAI, req, func(ctx context.Context) (string, error) {
			resp, err := a.client.CreateChatCompletion(ctx, req)
			if err != nil {
				return "", normalizeOpenAI(err)
			}
			if len(resp.Choices) == 0 {
				return "", retry.Permanent(&ProviderError{Provider: OpenAI, Message: "no choices returned"})
			}
			return resp.Choices[0].Message.Content, nil
		})
	})
}

func openaiRole(role string) string {
	switch role {
	case "system":
		return openai.ChatMessageRoleSystem
	case "assistant":
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (a *OpenAIAdapter) Synthesize(ctx context.Context, text string, opts SpeechOptions) (*Audio, error) {
	req := openai.CreateSpeechRequest{
		Model:          OpenAISpeechModel,
		Input:          text,
		Voice:          OpenAIVoice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	}
	if opts.Model != "" {
		req.Model = openai.SpeechModel(opts.Model)
	}
	if opts.Voice != "" {
		req.Voice = openai.SpeechVoice(opts.Voice)
	}

	return instrument(ctx, OpenAI, CapSpeech, func(ctx context.Context) (*Audio, error) {
		return sdkCall(ctx, a.limiter, OpenAI, req, func(ctx context.Context) (*Audio, error) {
			raw, err := a.client.CreateSpeech(ctx, req)
			if err != nil {
				return nil, normalizeOpenAI(err)
			}
			defer raw.Close()

			data, err := io.ReadAll(io.LimitReader(raw, MaxResponseBytes+1))
			if err != nil {
				return nil, transportError(OpenAI, err)
			}
			if len(data) > MaxResponseBytes {
				return nil, retry.Permanent(&ProviderError{Provider: OpenAI, Message: "speech response too large"})
			}
			return &Audio{Data: data, ContentType: "audio/mpeg"}, nil
		})
	})
}

func (a *OpenAIAdapter) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return instrument(ctx, OpenAI, CapTranscription, func(ctx context.Context) (string, error) {
		return sdkCall(ctx, a.limiter, OpenAI, audio, func(ctx context.Context) (string, error) {
			resp, err := a.client.CreateTranscription(ctx, openai.AudioRequest{
				Model:    openai.Whisper1,
				FilePath: "audio" + audioExtension(mimeType),
				Reader:   bytes.NewReader(audio),
			})
			if err != nil {
				return "", normalizeOpenAI(err)
			}
			return resp.Text, nil
		})
	})
}

// audioExtension picks a filename extension; Whisper infers the codec from it.
func audioExtension(mimeType string) string {
	mt, _, _ := mime.ParseMediaType(mimeType)
	switch mt {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/flac":
		return ".flac"
	default:
		return ".webm"
	}
}

// normalizeOpenAI maps go-openai errors to *ProviderError.
func normalizeOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: OpenAI, HTTPStatus: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := strings.TrimSpace(string(reqErr.Body))
		if msg == "" && reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &ProviderError{Provider: OpenAI, HTTPStatus: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}
	return asProviderError(OpenAI, err)
}

// sdkCall runs an SDK request under the limiter, keyed by its JSON (or raw
// bytes) so identical concurrent requests coalesce.
func sdkCall[T any](ctx context.Context, limiter *ratelimit.ProviderLimiter, provider string, req any,
	op func(ctx context.Context) (T, error)) (T, error) {

	payload, ok := req.([]byte)
	if !ok {
		b, err := json.Marshal(req)
		if err != nil {
			var zero T
			return zero, fmt.Errorf("providers: encode %s request: %w", provider, err)
		}
		payload = b
	}
	out, _, err := ratelimit.Execute(ctx, limiter, provider, payload, op)
	return out, err
}
