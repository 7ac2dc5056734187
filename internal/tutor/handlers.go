// Package tutor exposes the metered AI routes: chat, speech synthesis and
// transcription, plus the usage routes clients call for actions they
// meter themselves (voice minutes, slide and quiz generation).
//
// Every paid route charges through the paywall before a provider is
// selected, so an unaffordable request never reaches a vendor.
package tutor

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/credits"
	"github.com/mbd888/credgate/internal/identity"
	"github.com/mbd888/credgate/internal/paywall"
	"github.com/mbd888/credgate/internal/providers"
	"github.com/mbd888/credgate/internal/ratelimit"
	"github.com/mbd888/credgate/internal/usage"
	"github.com/mbd888/credgate/internal/validation"
)

const (
	requestKey      = "tutor_request"
	maxChatMessages = 64
)

// Selector resolves a capability to an adapter.
type Selector interface {
	Chat() (providers.ChatCompleter, error)
	Speech() (providers.SpeechSynthesizer, error)
	Transcription() (providers.Transcriber, error)
	Describe() map[providers.Capability]string
}

// Gate is the subset of *usage.Gate the handlers need.
type Gate interface {
	paywall.Authorizer
	Costs() map[string]int64
	RefundsOnFailure() bool
}

// StatsSource reports provider admission state for the admin route.
type StatsSource interface {
	Stats() []ratelimit.ProviderStats
}

// Handler provides HTTP endpoints for metered dispatch
type Handler struct {
	gate     Gate
	selector Selector
	paywall  paywall.Config
}

// NewHandler creates a new tutor handler
func NewHandler(gate Gate, selector Selector) *Handler {
	return &Handler{
		gate:     gate,
		selector: selector,
		paywall:  paywall.Config{Gate: gate},
	}
}

// RegisterRoutes sets up the metered routes. The group must already run
// identity.RequireUser.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tutor/chat", bindJSON[ChatRequest](), paywall.Require(h.paywall, usage.ActionChatResponse), h.Chat)
	r.POST("/tutor/speech", bindJSON[SpeechRequest](), paywall.Require(h.paywall, usage.ActionSpeechSynthesis), h.Speech)
	r.POST("/tutor/transcribe", bindAudio(), paywall.Require(h.paywall, usage.ActionAudioTranscribed), h.Transcribe)

	r.POST("/usage/authorize", h.Authorize)
	r.GET("/usage/costs", h.Costs)
}

// RegisterAdminRoutes exposes provider selection and limiter state.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup, stats StatsSource) {
	r.GET("/providers", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"selection": h.selector.Describe(),
			"providers": stats.Stats(),
		})
	})
}

// ChatRequest is the body of POST /tutor/chat.
type ChatRequest struct {
	Messages    []providers.Message `json:"messages" binding:"required"`
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"maxTokens"`
	Temperature float32             `json:"temperature"`
}

func (r *ChatRequest) validate() validation.ValidationErrors {
	if len(r.Messages) == 0 {
		return validation.ValidationErrors{{Field: "messages", Message: "is required"}}
	}
	if len(r.Messages) > maxChatMessages {
		return validation.ValidationErrors{{Field: "messages", Message: "too many messages"}}
	}
	var errs validation.ValidationErrors
	for i := range r.Messages {
		m := &r.Messages[i]
		m.Content = validation.SanitizeString(m.Content, validation.MaxStringLength)
		field := "messages[" + strconv.Itoa(i) + "]"
		errs = append(errs, validation.Validate(
			validation.Required(field+".content", m.Content),
			validation.OneOf(field+".role", m.Role, "system", "user", "assistant"),
		)...)
	}
	return errs
}

// SpeechRequest is the body of POST /tutor/speech.
type SpeechRequest struct {
	Text  string `json:"text" binding:"required"`
	Voice string `json:"voice"`
	Model string `json:"model"`
}

func (r *SpeechRequest) validate() validation.ValidationErrors {
	r.Text = validation.SanitizeString(r.Text, validation.MaxStringLength+1)
	return validation.Validate(
		validation.Required("text", r.Text),
		validation.MaxLength("text", r.Text, validation.MaxStringLength),
	)
}

type audioUpload struct {
	Data     []byte
	MimeType string
}

type validator interface {
	validate() validation.ValidationErrors
}

// bindJSON parses and validates the body before the paywall charges, so a
// malformed request costs nothing.
func bindJSON[T any, PT interface {
	*T
	validator
}]() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := PT(new(T))
		if err := c.ShouldBindJSON(req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		if errs := req.validate(); len(errs) > 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": errs.Error(),
				"details": errs,
			})
			return
		}
		c.Set(requestKey, req)
		c.Next()
	}
}

func bindAudio() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, validation.MaxAudioSize+1<<20)
		fh, err := c.FormFile("audio")
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "multipart field 'audio' is required"})
			return
		}
		if fh.Size > validation.MaxAudioSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "audio_too_large"})
			return
		}
		f, err := fh.Open()
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		defer f.Close()

		data, err := io.ReadAll(io.LimitReader(f, validation.MaxAudioSize))
		if err != nil || len(data) == 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "audio is empty or unreadable"})
			return
		}
		c.Set(requestKey, &audioUpload{Data: data, MimeType: fh.Header.Get("Content-Type")})
		c.Next()
	}
}

func boundRequest[T any](c *gin.Context) *T {
	v, _ := c.Get(requestKey)
	req, _ := v.(*T)
	return req
}

// dispatchFailed records err for the paywall's settlement and writes the
// error response.
func dispatchFailed(c *gin.Context, err error) {
	_ = c.Error(err)
	paywall.WriteError(c, err)
}

// Chat handles POST /tutor/chat
func (h *Handler) Chat(c *gin.Context) {
	req := boundRequest[ChatRequest](c)
	auth := paywall.GetAuthorization(c)

	chat, err := h.selector.Chat()
	if err != nil {
		dispatchFailed(c, err)
		return
	}
	reply, err := chat.Complete(c.Request.Context(), req.Messages, providers.ChatOptions{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		dispatchFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reply":     reply,
		"provider":  chat.Name(),
		"cost":      auth.Cost,
		"remaining": auth.RemainingAfter,
		"unlimited": auth.Unlimited,
	})
}

// Speech handles POST /tutor/speech
func (h *Handler) Speech(c *gin.Context) {
	req := boundRequest[SpeechRequest](c)

	tts, err := h.selector.Speech()
	if err != nil {
		dispatchFailed(c, err)
		return
	}
	audio, err := tts.Synthesize(c.Request.Context(), req.Text, providers.SpeechOptions{Voice: req.Voice, Model: req.Model})
	if err != nil {
		dispatchFailed(c, err)
		return
	}

	c.Header("X-Provider", tts.Name())
	c.Data(http.StatusOK, audio.ContentType, audio.Data)
}

// Transcribe handles POST /tutor/transcribe
func (h *Handler) Transcribe(c *gin.Context) {
	upload := boundRequest[audioUpload](c)
	auth := paywall.GetAuthorization(c)

	stt, err := h.selector.Transcription()
	if err != nil {
		dispatchFailed(c, err)
		return
	}
	text, err := stt.Transcribe(c.Request.Context(), upload.Data, upload.MimeType)
	if err != nil {
		dispatchFailed(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"text":      text,
		"provider":  stt.Name(),
		"cost":      auth.Cost,
		"remaining": auth.RemainingAfter,
		"unlimited": auth.Unlimited,
	})
}

// AuthorizeRequest is the body of POST /usage/authorize.
type AuthorizeRequest struct {
	Action string `json:"action" binding:"required"`
	Amount *int64 `json:"amount,omitempty"`
}

// Authorize handles POST /usage/authorize: a client-metered action (a
// minute of voice session, a generated quiz) is charged up front.
func (h *Handler) Authorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if errs := validation.Validate(
		validation.MaxLength("action", req.Action, 64),
		validation.Positive("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error(), "details": errs})
		return
	}

	auth, err := h.gate.Authorize(c.Request.Context(), identity.UserID(c), req.Action, req.Amount)
	if err != nil {
		paywall.WriteError(c, err)
		return
	}
	paywall.SetCreditHeaders(c, auth)
	c.JSON(http.StatusOK, gin.H{"authorized": true, "authorization": auth})
}

// Costs handles GET /usage/costs
func (h *Handler) Costs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"costs":                   h.gate.Costs(),
		"refundOnProviderFailure": h.gate.RefundsOnFailure(),
		"unlimited":               credits.Unlimited,
	})
}
