package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/providers"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, Token: "tok_test", UserID: "user_1"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_IdentityHeaders(t *testing.T) {
	var gotAuth, gotUser string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUser = r.Header.Get("X-User-ID")
		_, _ = w.Write([]byte(`{"remaining":5}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok_secret", UserID: "user_9"})
	acct, err := client.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_secret", gotAuth)
	assert.Equal(t, "user_9", gotUser)
	assert.Equal(t, int64(5), acct.Remaining)
}

func TestClient_NoTokenSendsNoAuthorization(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, UserID: "u"}).Balance(context.Background())
	require.NoError(t, err)
}

func TestClient_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":   "rate_limited",
			"message": "Too many requests.",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, UserID: "u"}).Balance(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.Equal(t, "3", apiErr.RetryAfter)
	assert.Contains(t, err.Error(), "429")
}

func TestClient_APIError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL, UserID: "u"}).Costs(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1", UserID: "u"}).Balance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(Config{APIURL: ts.URL, UserID: "u"}).Balance(ctx)
	require.Error(t, err)
}

func TestClient_HistoryLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/credits/history", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"transactions":[],"count":0}`))
	}))
	defer ts.Close()

	txs, err := NewClient(Config{APIURL: ts.URL, UserID: "u"}).History(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestClient_AuthorizeBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var m map[string]any
		require.NoError(t, json.Unmarshal(body, &m))
		assert.Equal(t, "custom-export", m["action"])
		assert.Equal(t, float64(7), m["amount"])
		writeJSON(w, http.StatusOK, map[string]any{
			"authorized":    true,
			"authorization": map[string]any{"action": "custom-export", "cost": 7, "remaining": 3},
		})
	}))
	defer ts.Close()

	amount := int64(7)
	auth, err := NewClient(Config{APIURL: ts.URL, UserID: "u"}).Authorize(context.Background(), "custom-export", &amount)
	require.NoError(t, err)
	assert.Equal(t, int64(7), auth.Cost)
	assert.Equal(t, int64(3), auth.RemainingAfter)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetCreditBalance(t *testing.T) {
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"subscription": map[string]any{
				"tier": "pro", "status": "active", "currentPeriodEnd": end, "cancelAtPeriodEnd": true,
			},
			"balance":   map[string]any{"totalCredits": 500, "usedCredits": 120, "bonusCredits": 10},
			"remaining": 390,
		})
	}))
	defer done()

	result, err := h.HandleGetCreditBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "pro (active)")
	assert.Contains(t, text, "Remaining: 390")
	assert.Contains(t, text, "Used:      120 of 500")
	assert.Contains(t, text, "Bonus:     10")
	assert.Contains(t, text, "2026-11-01")
	assert.Contains(t, text, "Cancels at the end")
}

func TestHandleGetCreditBalance_Unlimited(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"subscription": map[string]any{"tier": "unlimited", "status": "active"},
			"balance":      map[string]any{"totalCredits": -1},
			"remaining":    -1,
			"unlimited":    true,
		})
	}))
	defer done()

	result, err := h.HandleGetCreditBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Remaining: unlimited")
	assert.NotContains(t, text, "Used:")
}

func TestHandleGetCreditHistory(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"), "default limit")
		writeJSON(w, http.StatusOK, map[string]any{
			"transactions": []map[string]any{
				{"kind": "deduction", "amount": -5, "description": "slide-generation", "createdAt": time.Now()},
				{"kind": "refund", "amount": 1, "description": "chat-response", "createdAt": time.Now()},
			},
		})
	}))
	defer done()

	result, err := h.HandleGetCreditHistory(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Last 2 credit entries")
	assert.Contains(t, text, "-5")
	assert.Contains(t, text, "+1")
	assert.Contains(t, text, "slide-generation")
}

func TestHandleGetCreditHistory_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"transactions":[]}`))
	}))
	defer done()

	result, err := h.HandleGetCreditHistory(context.Background(), makeRequest(map[string]any{"limit": float64(3)}))
	require.NoError(t, err)
	assert.Equal(t, "No credit activity yet.", resultText(t, result))
}

func TestHandleListActionCosts_Sorted(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"costs":                   map[string]int64{"slide-generation": 5, "chat-response": 1},
			"refundOnProviderFailure": true,
		})
	}))
	defer done()

	result, err := h.HandleListActionCosts(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Less(t, strings.Index(text, "chat-response"), strings.Index(text, "slide-generation"))
	assert.Contains(t, text, "refunded")
}

func TestHandleAuthorizeAction_Validation(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called for invalid input")
	}))
	defer done()

	result, err := h.HandleAuthorizeAction(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.HandleAuthorizeAction(context.Background(), makeRequest(map[string]any{
		"action": "custom", "amount": 2.5,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "whole number")
}

func TestHandleAuthorizeAction_InsufficientCredits(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":   "insufficient_credits",
			"message": "This action costs 5 credits; 2 remaining.",
		})
	}))
	defer done()

	result, err := h.HandleAuthorizeAction(context.Background(), makeRequest(map[string]any{"action": "slide-generation"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "not enough credits")
	assert.Contains(t, text, "2 remaining")
}

func TestHandleAuthorizeAction_Success(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"authorization": map[string]any{"action": "voice-session-minute", "cost": 2, "remaining": 48},
		})
	}))
	defer done()

	result, err := h.HandleAuthorizeAction(context.Background(), makeRequest(map[string]any{"action": "voice-session-minute"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Authorized voice-session-minute for 2 credit(s)")
	assert.Contains(t, resultText(t, result), "Remaining: 48")
}

func TestHandleAskTutor(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tutor/chat", r.URL.Path)
		var body struct {
			Messages []providers.Message `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "What is 2+2?", body.Messages[1].Content)
		writeJSON(w, http.StatusOK, map[string]any{
			"reply": "4", "provider": "openai", "cost": 1, "remaining": 41,
		})
	}))
	defer done()

	result, err := h.HandleAskTutor(context.Background(), makeRequest(map[string]any{
		"question": "What is 2+2?",
		"context":  "Grade 2 arithmetic",
	}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "4")
	assert.Contains(t, text, "openai, 1 credit(s), 41 remaining")
}

func TestHandleAskTutor_ProviderUnavailable(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "10")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   "provider_unavailable",
			"message": "No AI provider is available.",
		})
	}))
	defer done()

	result, err := h.HandleAskTutor(context.Background(), makeRequest(map[string]any{"question": "hi"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Retry after 10 seconds")
}

func TestHandleAskTutor_RequiresQuestion(t *testing.T) {
	h, done := newTestSetup(http.NotFoundHandler())
	defer done()

	result, err := h.HandleAskTutor(context.Background(), makeRequest(map[string]any{"question": "  "}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", UserID: "u"}))
}
