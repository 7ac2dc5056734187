// Package paywall gates metered HTTP routes on credits.
// A request the user cannot afford gets 402 Payment Required before any
// provider is called; a paid request whose dispatch fails is settled
// through the gate's refund policy.
package paywall

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/logging"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/usage"
)

// Response headers set on every authorized request.
const (
	HeaderCost      = "X-Credits-Cost"
	HeaderRemaining = "X-Credits-Remaining"
)

const authorizationKey = "usage_authorization"

// Authorizer is the subset of *usage.Gate the middleware needs.
type Authorizer interface {
	Authorize(ctx context.Context, userID, action string, custom *int64) (*usage.Authorization, error)
	Release(ctx context.Context, auth *usage.Authorization, cause error) (bool, error)
}

// Config for the paywall middleware
type Config struct {
	Gate Authorizer

	// Hooks
	OnAuthorized func(auth *usage.Authorization, route string)
	OnDenied     func(userID, action string, err error)
	OnRefunded   func(auth *usage.Authorization, cause error)
}

// Require charges action before the handler runs. It expects
// identity.RequireUser earlier in the chain. Handlers report a failed
// dispatch with c.Error(err); that error is handed to the gate's Release
// after the handler returns.
func Require(cfg Config, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		userID := identity.UserID(c)

		auth, err := cfg.Gate.Authorize(ctx, userID, action, nil)
		if err != nil {
			if cfg.OnDenied != nil {
				cfg.OnDenied(userID, action, err)
			}
			WriteError(c, err)
			c.Abort()
			return
		}
		if cfg.OnAuthorized != nil {
			cfg.OnAuthorized(auth, c.FullPath())
		}

		c.Set(authorizationKey, auth)
		SetCreditHeaders(c, auth)

		c.Next()

		cause := c.Errors.Last()
		if cause == nil {
			return
		}
		refunded, err := cfg.Gate.Release(ctx, auth, cause.Err)
		if err != nil {
			logging.L(ctx).Error("settling failed dispatch", "action", action, "error", err)
			return
		}
		if refunded && cfg.OnRefunded != nil {
			cfg.OnRefunded(auth, cause.Err)
		}
	}
}

// GetAuthorization returns the authorization stored by Require.
func GetAuthorization(c *gin.Context) *usage.Authorization {
	if v, ok := c.Get(authorizationKey); ok {
		if auth, ok := v.(*usage.Authorization); ok {
			return auth
		}
	}
	return nil
}

// SetCreditHeaders reports the charge and the balance left.
func SetCreditHeaders(c *gin.Context, auth *usage.Authorization) {
	c.Header(HeaderCost, strconv.FormatInt(auth.Cost, 10))
	if auth.Unlimited {
		c.Header(HeaderRemaining, "unlimited")
		return
	}
	c.Header(HeaderRemaining, strconv.FormatInt(auth.RemainingAfter, 10))
}

// WriteError maps metering and dispatch errors to HTTP responses.
func WriteError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var (
		denied       *usage.DeniedError
		insufficient *credits.InsufficientCreditsError
		limited      *ratelimit.RateLimitedError
		provider     *providers.ProviderError
	)
	switch {
	case errors.Is(err, usage.ErrUnauthorized):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.As(err, &denied):
		writePaymentRequired(c, err, denied.Required, denied.Remaining)
		return
	case errors.As(err, &insufficient):
		writePaymentRequired(c, err, insufficient.Required, insufficient.Remaining)
		return
	case errors.Is(err, usage.ErrInvalidAction), errors.Is(err, credits.ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_action"
	case errors.As(err, &limited):
		c.Header("Retry-After", strconv.FormatInt(int64(math.Ceil(limited.RetryAfter.Seconds())), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":          "rate_limited",
			"message":        err.Error(),
			"retry_after_ms": limited.RetryAfterMs(),
		})
		return
	case errors.Is(err, credits.ErrDatastoreUnavailable):
		status, code = http.StatusServiceUnavailable, "datastore_unavailable"
	case errors.Is(err, providers.ErrNoProvider):
		status, code = http.StatusServiceUnavailable, "provider_unavailable"
	case errors.As(err, &provider):
		// Vendor details stay in the logs.
		logging.L(c.Request.Context()).Error("provider call failed",
			"provider", provider.Provider, "status", provider.HTTPStatus, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provider_error", "message": "action failed"})
		return
	}

	if status >= 500 {
		logging.L(c.Request.Context()).Error("metered request failed", "error", err)
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func writePaymentRequired(c *gin.Context, err error, required, remaining int64) {
	c.Header("X-Credits-Required", strconv.FormatInt(required, 10))
	c.JSON(http.StatusPaymentRequired, gin.H{
		"error":     "insufficient_credits",
		"message":   err.Error(),
		"required":  required,
		"remaining": remaining,
	})
}
