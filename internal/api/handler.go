package api

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/sender"
	"github.com/example/wa-gateway/internal/session"
	"github.com/example/wa-gateway/internal/util"
)

// SendService is the outbound surface the handlers drive.
type SendService interface {
	SendText(ctx context.Context, sessionID, phone, text string) error
	SendImage(ctx context.Context, sessionID, phone string, img sender.Image) error
	SendVideo(ctx context.Context, sessionID, phone, rawURL, caption string) error
	SendAudio(ctx context.Context, sessionID, phone, rawURL string, forceVoice bool) error
	SendLocation(ctx context.Context, sessionID, phone string, loc models.Location) error
	Status(sessionID string) (session.Status, bool)
	DefaultSession() string
}

// SessionControl triggers a connect for a session.
type SessionControl interface {
	Connect(identity string) error
}

// AlertSource exposes the current outage flags.
type AlertSource interface {
	Snapshot() []models.OutageFlag
}

// DispatchSource lists recent webhook dispatches.
type DispatchSource interface {
	Recent(ctx context.Context, limit int) ([]models.DispatchRecord, error)
}

// Config tunes the handlers.
type Config struct {
	RatePerSecond float64
	RateBurst     int
}

// Dependencies collects the collaborators of a Handler. Sessions, Alerts and
// Dispatches are optional.
type Dependencies struct {
	Sender     SendService
	Sessions   SessionControl
	Alerts     AlertSource
	Dispatches DispatchSource
	Clock      func() time.Time
	Logger     zerolog.Logger
}

// Handler serves the HTTP send and status endpoints.
type Handler struct {
	sender     SendService
	sessions   SessionControl
	alerts     AlertSource
	dispatches DispatchSource
	limiter    *phoneLimiter
	logger     zerolog.Logger
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, deps Dependencies) (*Handler, error) {
	if deps.Sender == nil {
		return nil, errors.New("api: sender dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Handler{
		sender:     deps.Sender,
		sessions:   deps.Sessions,
		alerts:     deps.Alerts,
		dispatches: deps.Dispatches,
		limiter:    newPhoneLimiter(cfg.RatePerSecond, cfg.RateBurst, deps.Clock),
		logger:     logger.With().Str("component", "api").Logger(),
	}, nil
}

// SendText handles POST /send/text.
func (h *Handler) SendText(c *gin.Context) {
	var req textRequest
	if !h.bind(c, &req) || !h.allow(c, req.Phone) {
		return
	}
	h.respond(c, "text", req.Phone, h.sender.SendText(c.Request.Context(), req.Session, req.Phone, req.Text))
}

// SendImage handles POST /send/image.
func (h *Handler) SendImage(c *gin.Context) {
	var req imageRequest
	if !h.bind(c, &req) || !h.allow(c, req.Phone) {
		return
	}
	img := sender.Image{URL: req.URL, Data: req.Data, Caption: req.Caption}
	h.respond(c, "image", req.Phone, h.sender.SendImage(c.Request.Context(), req.Session, req.Phone, img))
}

// SendVideo handles POST /send/video.
func (h *Handler) SendVideo(c *gin.Context) {
	var req videoRequest
	if !h.bind(c, &req) || !h.allow(c, req.Phone) {
		return
	}
	h.respond(c, "video", req.Phone, h.sender.SendVideo(c.Request.Context(), req.Session, req.Phone, req.URL, req.Caption))
}

// SendAudio handles POST /send/audio.
func (h *Handler) SendAudio(c *gin.Context) {
	var req audioRequest
	if !h.bind(c, &req) || !h.allow(c, req.Phone) {
		return
	}
	h.respond(c, "audio", req.Phone, h.sender.SendAudio(c.Request.Context(), req.Session, req.Phone, req.URL, req.ForceVoice))
}

// SendLocation handles POST /send/location.
func (h *Handler) SendLocation(c *gin.Context) {
	var req locationRequest
	if !h.bind(c, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		c.JSON(http.StatusBadRequest, Response{Error: "latitude and longitude are required"})
		return
	}
	if !h.allow(c, req.Phone) {
		return
	}
	loc := models.Location{Latitude: *req.Latitude, Longitude: *req.Longitude, Name: req.Name, Address: req.Address}
	h.respond(c, "location", req.Phone, h.sender.SendLocation(c.Request.Context(), req.Session, req.Phone, loc))
}

// Status handles GET /status.
func (h *Handler) Status(c *gin.Context) {
	id := h.sessionParam(c)
	status, ok := h.sender.Status(id)
	if !ok {
		status = session.Status{Identity: id, State: session.StateIdle.String()}
	}
	c.JSON(http.StatusOK, status)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Alerts handles GET /alerts.
func (h *Handler) Alerts(c *gin.Context) {
	if h.alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []models.OutageFlag{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": h.alerts.Snapshot()})
}

// Dispatches handles GET /dispatches.
func (h *Handler) Dispatches(c *gin.Context) {
	if h.dispatches == nil {
		c.JSON(http.StatusServiceUnavailable, Response{Error: "dispatch journal disabled"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, Response{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	records, err := h.dispatches.Recent(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("api: failed to list dispatches")
		c.JSON(http.StatusInternalServerError, Response{Error: "failed to list dispatches"})
		return
	}
	if records == nil {
		records = []models.DispatchRecord{}
	}
	c.JSON(http.StatusOK, dispatchesResponse{Dispatches: records})
}

// Reconnect handles POST /session/reconnect.
func (h *Handler) Reconnect(c *gin.Context) {
	if h.sessions == nil {
		c.JSON(http.StatusServiceUnavailable, Response{Error: "session control unavailable"})
		return
	}
	id := h.sessionParam(c)
	if err := h.sessions.Connect(id); err != nil {
		h.logger.Warn().Str("session", id).Err(err).Msg("api: reconnect failed")
		c.JSON(http.StatusServiceUnavailable, Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, Response{Success: true})
}

func (h *Handler) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, Response{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (h *Handler) allow(c *gin.Context, phone string) bool {
	key := strings.TrimSpace(phone)
	if normalized, err := util.NormalizePhone(phone); err == nil {
		key = normalized
	}
	if key == "" || h.limiter.Allow(key) {
		return true
	}
	c.JSON(http.StatusTooManyRequests, Response{Error: "rate limit exceeded for destination"})
	return false
}

func (h *Handler) respond(c *gin.Context, kind, phone string, err error) {
	if err == nil {
		c.JSON(http.StatusOK, Response{Success: true})
		return
	}

	status := statusFor(err)
	evt := h.logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = h.logger.Error()
	}
	evt.Str("kind", kind).
		Str("phone", phone).
		Int("status", status).
		Err(err).
		Msg("api: send failed")
	c.JSON(status, Response{Error: err.Error()})
}

func (h *Handler) sessionParam(c *gin.Context) string {
	if id := strings.TrimSpace(c.Query("session")); id != "" {
		return id
	}
	return h.sender.DefaultSession()
}

// statusFor maps a send error onto an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sender.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrNotConnected), errors.Is(err, common.ErrStaleHandle):
		return http.StatusServiceUnavailable
	case common.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
