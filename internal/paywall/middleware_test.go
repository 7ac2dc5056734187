package paywall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/usage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(gate Authorizer, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.POST("/paid", identity.RequireUser(identity.HeaderResolver{}), Require(Config{Gate: gate}, usage.ActionChatResponse), handler)
	return r
}

func post(r http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/paid", nil)
	if userID != "" {
		req.Header.Set(identity.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func newGate(t *testing.T) (*usage.Gate, *credits.Ledger) {
	t.Helper()
	ledger := credits.New(credits.NewMemoryStore())
	return usage.NewGate(ledger), ledger
}

func TestRequire_ChargesAndSetsHeaders(t *testing.T) {
	gate, ledger := newGate(t)
	var seen *usage.Authorization
	r := newRouter(gate, func(c *gin.Context) {
		seen = GetAuthorization(c)
		c.String(http.StatusOK, "ok")
	})

	w := post(r, "u1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get(HeaderCost))
	assert.Equal(t, "49", w.Header().Get(HeaderRemaining))
	require.NotNil(t, seen)
	assert.Equal(t, usage.ActionChatResponse, seen.Action)

	acct, err := ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Balance.UsedCredits)
}

func TestRequire_NoIdentity(t *testing.T) {
	gate, _ := newGate(t)
	called := false
	r := newRouter(gate, func(c *gin.Context) { called = true })

	w := post(r, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, called)
}

func TestRequire_InsufficientCreditsReturns402(t *testing.T) {
	gate, ledger := newGate(t)
	ctx := context.Background()
	_, err := ledger.Deduct(ctx, "u1", 50, "drain")
	require.NoError(t, err)

	called := false
	r := newRouter(gate, func(c *gin.Context) { called = true })

	w := post(r, "u1")
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.False(t, called)
	assert.Equal(t, "1", w.Header().Get("X-Credits-Required"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "insufficient_credits", body["error"])
	assert.Equal(t, float64(1), body["required"])
	assert.Equal(t, float64(0), body["remaining"])
}

func TestRequire_RefundsFailedDispatch(t *testing.T) {
	gate, ledger := newGate(t)
	r := newRouter(gate, func(c *gin.Context) {
		err := &providers.ProviderError{Provider: providers.OpenAI, HTTPStatus: 503, Message: "overloaded"}
		_ = c.Error(err)
		WriteError(c, err)
	})

	w := post(r, "u1")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	acct, err := ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.Balance.UsedCredits)

	history, err := ledger.History(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, credits.TxRefund, history[0].Kind)
}

func TestRequire_KeepsCostWhenPolicyOff(t *testing.T) {
	ledger := credits.New(credits.NewMemoryStore())
	gate := usage.NewGate(ledger, usage.WithRefundOnProviderFailure(false))
	r := newRouter(gate, func(c *gin.Context) {
		_ = c.Error(&providers.ProviderError{Provider: providers.OpenAI, HTTPStatus: 500})
		c.Status(http.StatusInternalServerError)
	})

	post(r, "u1")
	acct, err := ledger.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), acct.Balance.UsedCredits)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unauthorized", usage.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{"invalid action", fmt.Errorf("%w: %q", usage.ErrInvalidAction, "dance"), http.StatusBadRequest, "invalid_action"},
		{"denied", &usage.DeniedError{Reason: usage.ReasonInsufficientCredits, Required: 5, Remaining: 2}, http.StatusPaymentRequired, "insufficient_credits"},
		{"rate limited", &ratelimit.RateLimitedError{Provider: "openai", Reason: "window", RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited"},
		{"unavailable", fmt.Errorf("credits: deduct: %w", credits.ErrDatastoreUnavailable), http.StatusServiceUnavailable, "datastore_unavailable"},
		{"no provider", fmt.Errorf("%w for tts", providers.ErrNoProvider), http.StatusServiceUnavailable, "provider_unavailable"},
		{"provider", &providers.ProviderError{Provider: "deepgram", HTTPStatus: 502}, http.StatusInternalServerError, "provider_error"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			WriteError(c, tt.err)
			assert.Equal(t, tt.status, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestWriteError_RetryAfterRoundsUp(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(c, &ratelimit.RateLimitedError{Provider: "openai", RetryAfter: 1500 * time.Millisecond})
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}
