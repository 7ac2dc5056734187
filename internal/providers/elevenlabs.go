package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// ElevenLabs defaults.
const (
	ElevenLabsBaseURL = "https://api.elevenlabs.io"
	ElevenLabsVoice   = "21m00Tcm4TlvDq8ikWAM"
	ElevenLabsModel   = "eleven_turbo_v2_5"
)

// ElevenLabsAdapter synthesizes speech over the ElevenLabs REST API.
type ElevenLabsAdapter struct {
	caller  *Caller
	apiKey  string
	baseURL string
}

func NewElevenLabs(caller *Caller, apiKey, baseURL string) *ElevenLabsAdapter {
	if baseURL == "" {
		baseURL = ElevenLabsBaseURL
	}
	return &ElevenLabsAdapter{caller: caller, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *ElevenLabsAdapter) Name() string { return ElevenLabs }

type elevenLabsRequest struct {
	Text          string             `json:"text"`
	ModelID       string             `json:"model_id"`
	VoiceSettings elevenLabsSettings `json:"voice_settings"`
}

type elevenLabsSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

func (a *ElevenLabsAdapter) Synthesize(ctx context.Context, text string, opts SpeechOptions) (*Audio, error) {
	voice := ElevenLabsVoice
	if opts.Voice != "" {
		voice = opts.Voice
	}
	model := ElevenLabsModel
	if opts.Model != "" {
		model = opts.Model
	}
	body, err := json.Marshal(elevenLabsRequest{
		Text:          text,
		ModelID:       model,
		VoiceSettings: elevenLabsSettings{Stability: 0.5, SimilarityBoost: 0.75},
	})
	if err != nil {
		return nil, fmt.Errorf("providers: encode elevenlabs request: %w", err)
	}

	return instrument(ctx, ElevenLabs, CapSpeech, func(ctx context.Context) (*Audio, error) {
		resp, err := a.caller.Do(ctx, Request{
			Provider:    ElevenLabs,
			Method:      http.MethodPost,
			URL:         a.baseURL + "/v1/text-to-speech/" + url.PathEscape(voice),
			Header:      http.Header{"Xi-Api-Key": {a.apiKey}, "Accept": {"audio/mpeg"}},
			Body:        body,
			ContentType: "application/json",
		})
		if err != nil {
			return nil, err
		}
		return expectAudio(ElevenLabs, resp)
	})
}

// expectAudio rejects a 2xx response that does not carry audio.
func expectAudio(provider string, resp *Response) (*Audio, error) {
	if resp.Kind != PayloadAudio {
		return nil, &ProviderError{
			Provider:   provider,
			HTTPStatus: resp.Status,
			Message:    fmt.Sprintf("expected audio, got %s: %s", resp.Kind, errorMessage(resp.Body)),
		}
	}
	ct := resp.ContentType
	if ct == "" || ct == "application/octet-stream" {
		ct = "audio/mpeg"
	}
	return &Audio{Data: resp.Body, ContentType: ct}, nil
}
