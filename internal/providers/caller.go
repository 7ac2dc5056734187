package providers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/retry"
)

// MaxResponseBytes bounds every provider response body.
const MaxResponseBytes = 25 << 20

// PayloadKind classifies a response body by its Content-Type.
type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadJSON
	PayloadAudio
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadJSON:
		return "json"
	case PayloadAudio:
		return "audio"
	default:
		return "text"
	}
}

// ClassifyContentType maps a Content-Type header to a PayloadKind.
func ClassifyContentType(ct string) PayloadKind {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(ct))
	}
	switch {
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return PayloadJSON
	case strings.HasPrefix(mt, "audio/") || mt == "application/octet-stream":
		return PayloadAudio
	default:
		return PayloadText
	}
}

// Request is one outbound HTTP call.
type Request struct {
	Provider    string
	Method      string
	URL         string
	Header      http.Header
	Body        []byte
	ContentType string
}

// Response is a successful (2xx) provider response. Coalesced callers
// share it, so Body must be treated as read-only.
type Response struct {
	Status      int
	Kind        PayloadKind
	ContentType string
	Body        []byte
}

// Caller performs provider HTTP calls through the provider limiter.
type Caller struct {
	client  *http.Client
	limiter *ratelimit.ProviderLimiter
	maxBody int64
}

// NewCaller creates a caller. A nil client uses a 60s-timeout default.
func NewCaller(client *http.Client, limiter *ratelimit.ProviderLimiter) *Caller {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Caller{client: client, limiter: limiter, maxBody: MaxResponseBytes}
}

// Do sends req and returns the classified response. Non-2xx responses
// become *ProviderError.
func (c *Caller) Do(ctx context.Context, req Request) (*Response, error) {
	resp, _, err := ratelimit.Execute(ctx, c.limiter, req.Provider, requestFingerprint(req),
		func(ctx context.Context) (*Response, error) {
			return c.send(ctx, req)
		})
	return resp, err
}

// requestFingerprint identifies a request for coalescing. Headers are left
// out: they carry credentials, not content.
func requestFingerprint(req Request) []byte {
	var b bytes.Buffer
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(req.URL)
	b.WriteByte('\n')
	b.Write(req.Body)
	return b.Bytes()
}

func (c *Caller) send(ctx context.Context, req Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, retry.Permanent(transportError(req.Provider, err))
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, transportError(req.Provider, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBody+1))
	if err != nil {
		return nil, transportError(req.Provider, err)
	}
	if int64(len(body)) > c.maxBody {
		return nil, retry.Permanent(&ProviderError{
			Provider:   req.Provider,
			HTTPStatus: httpResp.StatusCode,
			Message:    fmt.Sprintf("response exceeds %d bytes", c.maxBody),
		})
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &ProviderError{
			Provider:   req.Provider,
			HTTPStatus: httpResp.StatusCode,
			Message:    errorMessage(body),
			RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After"), time.Now()),
		}
	}

	ct := httpResp.Header.Get("Content-Type")
	return &Response{
		Status:      httpResp.StatusCode,
		Kind:        ClassifyContentType(ct),
		ContentType: ct,
		Body:        body,
	}, nil
}

// errorMessage trims a vendor error body to something loggable.
func errorMessage(body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512] + "..."
	}
	if msg == "" {
		msg = "empty response"
	}
	return msg
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// asProviderError normalises err to *ProviderError unless it already is
// one or is a limiter denial.
func asProviderError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) || errors.Is(err, ratelimit.ErrRateLimited) ||
		errors.Is(err, context.Canceled) {
		return err
	}
	return transportError(provider, err)
}
