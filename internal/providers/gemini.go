package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/retry"
)

// GeminiChatModel is the default Gemini model.
const GeminiChatModel = "gemini-1.5-flash"

// geminiSendFunc sends the final user turn of a chat whose earlier turns
// are in history.
type geminiSendFunc func(ctx context.Context, model string, cfg geminiTurn) (*genai.GenerateContentResponse, error)

type geminiTurn struct {
	System      string
	History     []*genai.Content
	Prompt      string
	MaxTokens   int32
	Temperature *float32
}

// GeminiAdapter serves chat through google/generative-ai-go.
type GeminiAdapter struct {
	client  *genai.Client
	limiter *ratelimit.ProviderLimiter
	send    geminiSendFunc
}

// NewGemini dials the Gemini API. Close releases the client.
func NewGemini(ctx context.Context, apiKey string, limiter *ratelimit.ProviderLimiter, opts ...option.ClientOption) (*GeminiAdapter, error) {
	client, err := genai.NewClient(ctx, append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("providers: create gemini client: %w", err)
	}
	a := &GeminiAdapter{client: client, limiter: limiter}
	a.send = a.sendChat
	return a, nil
}

func (a *GeminiAdapter) Name() string { return Gemini }

func (a *GeminiAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}

func (a *GeminiAdapter) Complete(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	model := GeminiChatModel
	if opts.Model != "" {
		model = opts.Model
	}
	turn, err := geminiTurnFor(messages)
	if err != nil {
		return "", err
	}
	turn.MaxTokens = int32(opts.MaxTokens)
	if opts.Temperature > 0 {
		t := opts.Temperature
		turn.Temperature = &t
	}

	key := struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
		Opts     ChatOptions
	}{model, messages, opts}

	return instrument(ctx, Gemini, CapChat, func(ctx context.Context) (string, error) {
		return sdkCall(ctx, a.limiter, Gemini, key, func(ctx context.Context) (string, error) {
			resp, err := a.send(ctx, model, turn)
			if err != nil {
				return "", normalizeGemini(err)
			}
			return geminiText(resp)
		})
	})
}

// geminiTurnFor splits messages into a system instruction, prior turns and
// the final user prompt. Gemini calls the assistant role "model".
func geminiTurnFor(messages []Message) (geminiTurn, error) {
	var turn geminiTurn
	var system []string
	var convo []Message
	for _, m := range messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		convo = append(convo, m)
	}
	if len(convo) == 0 || convo[len(convo)-1].Role == "assistant" {
		return turn, retry.Permanent(&ProviderError{Provider: Gemini, Message: "conversation must end with a user message"})
	}
	turn.System = strings.Join(system, "\n\n")
	for _, m := range convo[:len(convo)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		turn.History = append(turn.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	turn.Prompt = convo[len(convo)-1].Content
	return turn, nil
}

func (a *GeminiAdapter) sendChat(ctx context.Context, model string, turn geminiTurn) (*genai.GenerateContentResponse, error) {
	m := a.client.GenerativeModel(model)
	if turn.System != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(turn.System)}}
	}
	if turn.MaxTokens > 0 {
		m.SetMaxOutputTokens(turn.MaxTokens)
	}
	if turn.Temperature != nil {
		m.SetTemperature(*turn.Temperature)
	}
	cs := m.StartChat()
	cs.History = turn.History
	return cs.SendMessage(ctx, genai.Text(turn.Prompt))
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", retry.Permanent(&ProviderError{Provider: Gemini, Message: "no candidates returned"})
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String(), nil
}

// normalizeGemini maps *googleapi.Error to *ProviderError.
func normalizeGemini(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		pe := &ProviderError{Provider: Gemini, HTTPStatus: gErr.Code, Message: gErr.Message, Err: err}
		if gErr.Header != nil {
			pe.RetryAfter = parseRetryAfter(gErr.Header.Get("Retry-After"), time.Now())
		}
		return pe
	}
	return asProviderError(Gemini, err)
}
