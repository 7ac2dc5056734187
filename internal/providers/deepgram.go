package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

const (
	DeepgramBaseURL = "https://api.deepgram.com"
	DeepgramModel   = "nova-2"
)

// DeepgramAdapter transcribes audio with Deepgram's prerecorded API.
type DeepgramAdapter struct {
	caller  *Caller
	apiKey  string
	baseURL string
}

func NewDeepgram(caller *Caller, apiKey, baseURL string) *DeepgramAdapter {
	if baseURL == "" {
		baseURL = DeepgramBaseURL
	}
	return &DeepgramAdapter{caller: caller, apiKey: apiKey, baseURL: strings.TrimRight(baseURL, "/")}
}

func (a *DeepgramAdapter) Name() string { return Deepgram }

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (a *DeepgramAdapter) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	return instrument(ctx, Deepgram, CapTranscription, func(ctx context.Context) (string, error) {
		resp, err := a.caller.Do(ctx, Request{
			Provider:    Deepgram,
			Method:      http.MethodPost,
			URL:         a.baseURL + "/v1/listen?model=" + DeepgramModel + "&smart_format=true",
			Header:      http.Header{"Authorization": {"Token " + a.apiKey}},
			Body:        audio,
			ContentType: mimeType,
		})
		if err != nil {
			return "", err
		}
		if resp.Kind != PayloadJSON {
			return "", &ProviderError{Provider: Deepgram, HTTPStatus: resp.Status, Message: "expected json, got " + resp.Kind.String()}
		}

		var out deepgramResponse
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return "", &ProviderError{Provider: Deepgram, HTTPStatus: resp.Status, Message: "malformed response", Err: err}
		}
		if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
			return "", nil
		}
		return out.Results.Channels[0].Alternatives[0].Transcript, nil
	})
}
