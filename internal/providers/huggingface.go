package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HuggingFaceAdapter calls small-language-model inference endpoints. Either
// URL may be empty, in which case that capability is not offered.
type HuggingFaceAdapter struct {
	caller  *Caller
	apiKey  string
	chatURL string
	ttsURL  string
}

func NewHuggingFace(caller *Caller, apiKey, chatURL, ttsURL string) *HuggingFaceAdapter {
	return &HuggingFaceAdapter{caller: caller, apiKey: apiKey, chatURL: chatURL, ttsURL: ttsURL}
}

func (a *HuggingFaceAdapter) Name() string { return HuggingFace }

// ServesChat reports whether a chat endpoint is configured.
func (a *HuggingFaceAdapter) ServesChat() bool { return a.chatURL != "" }

// ServesSpeech reports whether a TTS endpoint is configured.
func (a *HuggingFaceAdapter) ServesSpeech() bool { return a.ttsURL != "" }

type hfParameters struct {
	MaxNewTokens   int     `json:"max_new_tokens,omitempty"`
	Temperature    float32 `json:"temperature,omitempty"`
	ReturnFullText bool    `json:"return_full_text"`
}

type hfTextRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters *hfParameters `json:"parameters,omitempty"`
}

type hfGenerated struct {
	GeneratedText string `json:"generated_text"`
}

func (a *HuggingFaceAdapter) header() http.Header {
	return http.Header{"Authorization": {"Bearer " + a.apiKey}}
}

func (a *HuggingFaceAdapter) Complete(ctx context.Context, messages []Message, opts ChatOptions) (string, error) {
	if a.chatURL == "" {
		return "", fmt.Errorf("%w: huggingface chat endpoint", ErrNoProvider)
	}
	body, err := json.Marshal(hfTextRequest{
		Inputs: hfPrompt(messages),
		Parameters: &hfParameters{
			MaxNewTokens: opts.MaxTokens,
			Temperature:  opts.Temperature,
		},
	})
	if err != nil {
		return "", fmt.Errorf("providers: encode huggingface request: %w", err)
	}

	return instrument(ctx, HuggingFace, CapChat, func(ctx context.Context) (string, error) {
		resp, err := a.caller.Do(ctx, Request{
			Provider:    HuggingFace,
			Method:      http.MethodPost,
			URL:         a.chatURL,
			Header:      a.header(),
			Body:        body,
			ContentType: "application/json",
		})
		if err != nil {
			return "", err
		}
		return parseGenerated(resp)
	})
}

// hfPrompt flattens a chat into a plain prompt for text-generation models.
func hfPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		switch m.Role {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}

// parseGenerated accepts both the list and the object form of a
// text-generation response, and plain text.
func parseGenerated(resp *Response) (string, error) {
	switch resp.Kind {
	case PayloadText:
		return strings.TrimSpace(string(resp.Body)), nil
	case PayloadJSON:
	default:
		return "", &ProviderError{Provider: HuggingFace, HTTPStatus: resp.Status, Message: "unexpected " + resp.Kind.String() + " response"}
	}

	var list []hfGenerated
	if err := json.Unmarshal(resp.Body, &list); err == nil {
		if len(list) == 0 {
			return "", &ProviderError{Provider: HuggingFace, HTTPStatus: resp.Status, Message: "empty generation"}
		}
		return strings.TrimSpace(list[0].GeneratedText), nil
	}
	var one hfGenerated
	if err := json.Unmarshal(resp.Body, &one); err != nil {
		return "", &ProviderError{Provider: HuggingFace, HTTPStatus: resp.Status, Message: "malformed response", Err: err}
	}
	return strings.TrimSpace(one.GeneratedText), nil
}

func (a *HuggingFaceAdapter) Synthesize(ctx context.Context, text string, _ SpeechOptions) (*Audio, error) {
	if a.ttsURL == "" {
		return nil, fmt.Errorf("%w: huggingface tts endpoint", ErrNoProvider)
	}
	body, err := json.Marshal(hfTextRequest{Inputs: text})
	if err != nil {
		return nil, fmt.Errorf("providers: encode huggingface request: %w", err)
	}

	return instrument(ctx, HuggingFace, CapSpeech, func(ctx context.Context) (*Audio, error) {
		resp, err := a.caller.Do(ctx, Request{
			Provider:    HuggingFace,
			Method:      http.MethodPost,
			URL:         a.ttsURL,
			Header:      a.header(),
			Body:        body,
			ContentType: "application/json",
		})
		if err != nil {
			return nil, err
		}
		return expectAudio(HuggingFace, resp)
	})
}
