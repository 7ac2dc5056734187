package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	"github.com/mbd888/credgate/internal/ratelimit"
)

func testLimiter() *ratelimit.ProviderLimiter {
	opts := ratelimit.DefaultOptions()
	opts.MaxAttempts = 3
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 5 * time.Millisecond
	return ratelimit.NewProviderLimiter(opts)
}

func testCaller() *Caller {
	return NewCaller(&http.Client{Timeout: 5 * time.Second}, testLimiter())
}

func TestClassifyContentType(t *testing.T) {
	tests := []struct {
		ct   string
		want PayloadKind
	}{
		{"application/json", PayloadJSON},
		{"application/json; charset=utf-8", PayloadJSON},
		{"application/problem+json", PayloadJSON},
		{"audio/mpeg", PayloadAudio},
		{"audio/wav", PayloadAudio},
		{"application/octet-stream", PayloadAudio},
		{"text/plain", PayloadText},
		{"", PayloadText},
	}
	for _, tt := range tests {
		t.Run(tt.ct, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyContentType(tt.ct))
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-4", now))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
	assert.Equal(t, time.Duration(0), parseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now))
}

func TestProviderError(t *testing.T) {
	err := error(&ProviderError{Provider: "x", HTTPStatus: 502, Message: "bad gateway"})
	assert.True(t, errors.Is(err, ErrProviderFailed))
	assert.Contains(t, err.Error(), "502")

	var sc ratelimit.StatusCoder
	require.True(t, errors.As(err, &sc))
	assert.Equal(t, 502, sc.StatusCode())
	assert.True(t, ratelimit.IsRetryable(err))

	assert.False(t, ratelimit.IsRetryable(&ProviderError{Provider: "x", HTTPStatus: 400}))
	assert.True(t, ratelimit.IsRetryable(&ProviderError{Provider: "x", HTTPStatus: 429}))
}

func TestCallerRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	resp, err := testCaller().Do(context.Background(), Request{Provider: "test", Method: http.MethodPost, URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, PayloadJSON, resp.Kind)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCallerDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad voice id", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := testCaller().Do(context.Background(), Request{Provider: "test", Method: http.MethodPost, URL: srv.URL})
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusBadRequest, pe.HTTPStatus)
	assert.Contains(t, pe.Message, "bad voice id")
	assert.Equal(t, int32(1), calls.Load())
}

func TestCallerRejectsOversizeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte(strings.Repeat("a", 64)))
	}))
	defer srv.Close()

	c := testCaller()
	c.maxBody = 16
	_, err := c.Do(context.Background(), Request{Provider: "test", Method: http.MethodGet, URL: srv.URL})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderFailed))
}

func TestCallerPassesRetryAfter(t *testing.T) {
	opts := ratelimit.DefaultOptions()
	opts.MaxAttempts = 1
	c := NewCaller(nil, ratelimit.NewProviderLimiter(opts))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := c.Do(context.Background(), Request{Provider: "test", Method: http.MethodGet, URL: srv.URL})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus)
	assert.Equal(t, 7*time.Second, pe.RetryAfter)
}

func TestElevenLabsSynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/"+ElevenLabsVoice, r.URL.Path)
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))

		var body elevenLabsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hello there", body.Text)
		assert.Equal(t, ElevenLabsModel, body.ModelID)

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-audio"))
	}))
	defer srv.Close()

	a := NewElevenLabs(testCaller(), "el-key", srv.URL)
	audio, err := a.Synthesize(context.Background(), "hello there", SpeechOptions{})
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", audio.ContentType)
	assert.Equal(t, []byte("ID3-audio"), audio.Data)
}

func TestElevenLabsRejectsNonAudio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"detail":"quota"}`))
	}))
	defer srv.Close()

	_, err := NewElevenLabs(testCaller(), "k", srv.URL).Synthesize(context.Background(), "x", SpeechOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProviderFailed))
}

func TestDeepgramTranscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, DeepgramModel, r.URL.Query().Get("model"))
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF", string(b))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"what is a derivative","confidence":0.98}]}]}}`))
	}))
	defer srv.Close()

	text, err := NewDeepgram(testCaller(), "dg-key", srv.URL).Transcribe(context.Background(), []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "what is a derivative", text)
}

func TestDeepgramEmptyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
	}))
	defer srv.Close()

	text, err := NewDeepgram(testCaller(), "k", srv.URL).Transcribe(context.Background(), []byte("x"), "")
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestHuggingFaceComplete(t *testing.T) {
	t.Run("list form", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer hf-key", r.Header.Get("Authorization"))
			var body hfTextRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.True(t, strings.HasSuffix(body.Inputs, "User: hi\nAssistant:"))

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"generated_text":" Hello! "}]`))
		}))
		defer srv.Close()

		a := NewHuggingFace(testCaller(), "hf-key", srv.URL, "")
		reply, err := a.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
		require.NoError(t, err)
		assert.Equal(t, "Hello!", reply)
	})

	t.Run("object form", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"generated_text":"Sure."}`))
		}))
		defer srv.Close()

		reply, err := NewHuggingFace(testCaller(), "k", srv.URL, "").
			Complete(context.Background(), []Message{{Role: "user", Content: "q"}}, ChatOptions{})
		require.NoError(t, err)
		assert.Equal(t, "Sure.", reply)
	})

	t.Run("no endpoint", func(t *testing.T) {
		_, err := NewHuggingFace(testCaller(), "k", "", "").
			Complete(context.Background(), []Message{{Role: "user", Content: "q"}}, ChatOptions{})
		assert.ErrorIs(t, err, ErrNoProvider)
	})
}

func TestOpenAIComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer oa-key", r.Header.Get("Authorization"))

		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, OpenAIChatModel, body.Model)
		assert.Len(t, body.Messages, 2)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"A limit is..."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	a := NewOpenAI("oa-key", srv.URL+"/v1", testLimiter())
	reply, err := a.Complete(context.Background(), []Message{
		{Role: "system", Content: "You are a tutor."},
		{Role: "user", Content: "What is a limit?"},
	}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "A limit is...", reply)
}

func TestOpenAIErrorIsNormalized(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAI("bad", srv.URL+"/v1", testLimiter()).
		Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}, ChatOptions{})
	require.Error(t, err)

	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, OpenAI, pe.Provider)
	assert.Equal(t, http.StatusUnauthorized, pe.HTTPStatus)
	assert.Equal(t, int32(1), calls.Load(), "401 is not retried")
}

func TestOpenAISynthesize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("mp3-bytes"))
	}))
	defer srv.Close()

	audio, err := NewOpenAI("k", srv.URL+"/v1", testLimiter()).
		Synthesize(context.Background(), "hello", SpeechOptions{Voice: "nova"})
	require.NoError(t, err)
	assert.Equal(t, []byte("mp3-bytes"), audio.Data)
	assert.Equal(t, "audio/mpeg", audio.ContentType)
}

func TestAudioExtension(t *testing.T) {
	assert.Equal(t, ".wav", audioExtension("audio/wav"))
	assert.Equal(t, ".mp3", audioExtension("audio/mpeg"))
	assert.Equal(t, ".webm", audioExtension("audio/webm;codecs=opus"))
	assert.Equal(t, ".webm", audioExtension(""))
}

func TestGeminiTurn(t *testing.T) {
	turn, err := geminiTurnFor([]Message{
		{Role: "system", Content: "Be concise."},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Be concise.", turn.System)
	assert.Equal(t, "q2", turn.Prompt)
	require.Len(t, turn.History, 2)
	assert.Equal(t, "user", turn.History[0].Role)
	assert.Equal(t, "model", turn.History[1].Role)

	_, err = geminiTurnFor([]Message{{Role: "assistant", Content: "hi"}})
	assert.ErrorIs(t, err, ErrProviderFailed)
}

func TestGeminiComplete(t *testing.T) {
	a := &GeminiAdapter{limiter: testLimiter()}
	a.send = func(ctx context.Context, model string, turn geminiTurn) (*genai.GenerateContentResponse, error) {
		assert.Equal(t, GeminiChatModel, model)
		assert.Equal(t, "explain", turn.Prompt)
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text("Part one. "), genai.Text("Part two.")}},
		}}}, nil
	}

	reply, err := a.Complete(context.Background(), []Message{{Role: "user", Content: "explain"}}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Part one. Part two.", reply)
}

func TestGeminiErrorIsNormalized(t *testing.T) {
	var calls atomic.Int32
	a := &GeminiAdapter{limiter: testLimiter()}
	a.send = func(context.Context, string, geminiTurn) (*genai.GenerateContentResponse, error) {
		calls.Add(1)
		return nil, &googleapi.Error{Code: http.StatusForbidden, Message: "API key not valid"}
	}

	_, err := a.Complete(context.Background(), []Message{{Role: "user", Content: "x"}}, ChatOptions{})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, Gemini, pe.Provider)
	assert.Equal(t, http.StatusForbidden, pe.HTTPStatus)
	assert.Equal(t, int32(1), calls.Load())
}
