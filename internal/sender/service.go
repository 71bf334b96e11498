package sender

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/media"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
	"github.com/example/wa-gateway/internal/util"
)

// ErrInvalidRequest marks send requests rejected before reaching the session.
var ErrInvalidRequest = errors.New("invalid send request")

const voiceNoteMime = "audio/ogg; codecs=opus"

// Sessions exposes the supervised sessions the service sends through.
type Sessions interface {
	ActiveHandle(identity string) (session.Handle, error)
	Status(identity string) (session.Status, bool)
}

// MediaFetcher downloads and classifies remote media.
type MediaFetcher interface {
	Fetch(ctx context.Context, rawURL string) (media.Asset, error)
	Probe(ctx context.Context, rawURL string) (media.Info, error)
}

// Config tunes the service.
type Config struct {
	DefaultSession      string
	Timeout             time.Duration
	MediaTimeout        time.Duration
	ForceVoiceTranscode bool
	TextMax             int
	MaxMediaBytes       int
}

// Dependencies collects the collaborators of a Service. Transcoder is
// optional; without it audio is never re-encoded.
type Dependencies struct {
	Sessions   Sessions
	Fetcher    MediaFetcher
	Transcoder media.Transcoder
	Logger     zerolog.Logger
}

// Image is an image payload given either inline or by URL.
type Image struct {
	URL     string
	Data    []byte
	Caption string
}

// Service validates outbound requests and delivers them through the active
// session handle.
type Service struct {
	cfg        Config
	sessions   Sessions
	fetcher    MediaFetcher
	transcoder media.Transcoder
	logger     zerolog.Logger
}

// New constructs a Service.
func New(cfg Config, deps Dependencies) (*Service, error) {
	if deps.Sessions == nil {
		return nil, errors.New("sender: sessions dependency is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("sender: media fetcher dependency is required")
	}
	if strings.TrimSpace(cfg.DefaultSession) == "" {
		return nil, errors.New("sender: default session is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 25 * time.Second
	}
	if cfg.MediaTimeout <= 0 {
		cfg.MediaTimeout = 30 * time.Second
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Service{
		cfg:        cfg,
		sessions:   deps.Sessions,
		fetcher:    deps.Fetcher,
		transcoder: deps.Transcoder,
		logger:     logger.With().Str("component", "sender").Logger(),
	}, nil
}

// Send routes a canonical request to the matching typed operation.
func (s *Service) Send(ctx context.Context, req models.SendRequest) error {
	switch req.Kind {
	case models.SendText:
		return s.SendText(ctx, req.Session, req.Phone, req.Text)
	case models.SendImage:
		return s.SendImage(ctx, req.Session, req.Phone, Image{URL: req.URL, Data: req.Data, Caption: req.Caption})
	case models.SendVideo:
		return s.SendVideo(ctx, req.Session, req.Phone, req.URL, req.Caption)
	case models.SendAudio:
		return s.SendAudio(ctx, req.Session, req.Phone, req.URL, req.ForceVoice)
	case models.SendLocation:
		if req.Latitude == nil || req.Longitude == nil {
			return invalid("latitude and longitude are required")
		}
		return s.SendLocation(ctx, req.Session, req.Phone, models.Location{
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Name:      req.PlaceName,
			Address:   req.Address,
		})
	default:
		return invalid("unsupported kind %q", req.Kind)
	}
}

// SendText delivers a text message within Config.Timeout.
func (s *Service) SendText(ctx context.Context, sessionID, phone, text string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	to, err := normalizePhone(phone)
	if err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return invalid("text is required")
	}
	if err := util.EnsureMaxRunes("text", text, s.cfg.TextMax); err != nil {
		return invalid("%v", err)
	}

	return s.deliver(ctx, sessionID, to, models.SendText, func(ctx context.Context, h session.Handle) error {
		return h.SendText(ctx, to, text)
	})
}

// SendImage delivers an image given inline or by URL. The content must sniff
// as image/*. Fetching and sending share one Config.MediaTimeout deadline.
func (s *Service) SendImage(ctx context.Context, sessionID, phone string, img Image) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()

	to, err := normalizePhone(phone)
	if err != nil {
		return err
	}
	if len(img.Data) == 0 && strings.TrimSpace(img.URL) == "" {
		return invalid("image data or url is required")
	}
	if err := util.EnsureMaxBytes("image", img.Data, s.cfg.MaxMediaBytes); err != nil {
		return invalid("%v", err)
	}
	if len(img.Data) == 0 {
		if img.URL, err = validateURL(img.URL); err != nil {
			return err
		}
	}
	handle, err := s.handle(sessionID)
	if err != nil {
		return err
	}

	data := img.Data
	var info media.Info
	if len(data) > 0 {
		info = media.Sniff(data)
	} else {
		asset, err := s.fetch(ctx, img.URL)
		if err != nil {
			return err
		}
		data, info = asset.Data, asset.Info
	}
	if kind, ok := info.Kind(); !ok || kind != models.KindImage {
		return invalid("content type %s is not an image", info.MimeType)
	}

	return s.sendWith(ctx, handle, sessionID, to, models.SendImage, func(ctx context.Context, h session.Handle) error {
		return h.SendMedia(ctx, to, models.OutboundMedia{
			Kind:     models.KindImage,
			Data:     data,
			MimeType: info.MimeType,
			Caption:  img.Caption,
		})
	})
}

// SendVideo delivers a video by reference. The URL must sniff as video/*.
// Probing and sending share one Config.MediaTimeout deadline.
func (s *Service) SendVideo(ctx context.Context, sessionID, phone, rawURL, caption string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()

	to, err := normalizePhone(phone)
	if err != nil {
		return err
	}
	if rawURL, err = validateURL(rawURL); err != nil {
		return err
	}
	handle, err := s.handle(sessionID)
	if err != nil {
		return err
	}

	info, err := s.fetcher.Probe(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("sender: probe video: %w", err)
	}
	if kind, ok := info.Kind(); !ok || kind != models.KindVideo {
		return invalid("content type %s is not a video", info.MimeType)
	}

	return s.sendWith(ctx, handle, sessionID, to, models.SendVideo, func(ctx context.Context, h session.Handle) error {
		return h.SendMedia(ctx, to, models.OutboundMedia{
			Kind:     models.KindVideo,
			URL:      rawURL,
			MimeType: info.MimeType,
			Caption:  caption,
		})
	})
}

// SendAudio delivers audio fetched from rawURL. Ogg/Opus content goes out as
// a voice note; other audio is transcoded when forceVoice (or the service
// default) asks for it. An explicit forceVoice without a transcoder is
// rejected. Fetching, transcoding and sending share one Config.MediaTimeout
// deadline.
func (s *Service) SendAudio(ctx context.Context, sessionID, phone, rawURL string, forceVoice bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.MediaTimeout)
	defer cancel()

	to, err := normalizePhone(phone)
	if err != nil {
		return err
	}
	if rawURL, err = validateURL(rawURL); err != nil {
		return err
	}
	if forceVoice && s.transcoder == nil {
		return invalid("voice transcoding unavailable")
	}
	handle, err := s.handle(sessionID)
	if err != nil {
		return err
	}

	asset, err := s.fetch(ctx, rawURL)
	if err != nil {
		return err
	}
	if kind, ok := asset.Info.Kind(); !ok || kind != models.KindAudio {
		return invalid("content type %s is not audio", asset.Info.MimeType)
	}

	out := models.OutboundMedia{
		Kind:     models.KindAudio,
		Data:     asset.Data,
		MimeType: asset.Info.MimeType,
	}
	switch {
	case asset.Info.VoiceNote():
		out.MimeType = voiceNoteMime
		out.VoiceNote = true
	case forceVoice || s.cfg.ForceVoiceTranscode:
		if s.transcoder == nil {
			s.logger.Warn().Str("mime", asset.Info.MimeType).Msg("sender: no transcoder configured, sending audio as attachment")
			break
		}
		encoded, err := s.transcoder.ToVoiceNote(ctx, asset.Data)
		if err != nil {
			return fmt.Errorf("sender: transcode audio: %w", err)
		}
		out.Data = encoded
		out.MimeType = voiceNoteMime
		out.VoiceNote = true
	}

	return s.sendWith(ctx, handle, sessionID, to, models.SendAudio, func(ctx context.Context, h session.Handle) error {
		return h.SendMedia(ctx, to, out)
	})
}

// SendLocation delivers a geographic pin within Config.Timeout.
func (s *Service) SendLocation(ctx context.Context, sessionID, phone string, loc models.Location) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	to, err := normalizePhone(phone)
	if err != nil {
		return err
	}
	if loc.Latitude < -90 || loc.Latitude > 90 {
		return invalid("latitude %v out of range", loc.Latitude)
	}
	if loc.Longitude < -180 || loc.Longitude > 180 {
		return invalid("longitude %v out of range", loc.Longitude)
	}

	return s.deliver(ctx, sessionID, to, models.SendLocation, func(ctx context.Context, h session.Handle) error {
		return h.SendLocation(ctx, to, loc)
	})
}

// Status returns the lifecycle snapshot of a session; an empty id selects the
// default session.
func (s *Service) Status(sessionID string) (session.Status, bool) {
	return s.sessions.Status(s.sessionName(sessionID))
}

// DefaultSession returns the session used when a request names none.
func (s *Service) DefaultSession() string {
	return s.cfg.DefaultSession
}

func (s *Service) deliver(ctx context.Context, sessionID, to string, kind models.SendKind, send func(context.Context, session.Handle) error) error {
	handle, err := s.handle(sessionID)
	if err != nil {
		return err
	}
	return s.sendWith(ctx, handle, sessionID, to, kind, send)
}

func (s *Service) sendWith(ctx context.Context, handle session.Handle, sessionID, to string, kind models.SendKind, send func(context.Context, session.Handle) error) error {
	log := s.logger.With().
		Str("session", s.sessionName(sessionID)).
		Str("kind", string(kind)).
		Str("to", to).
		Logger()

	start := time.Now()
	if err := send(ctx, handle); err != nil {
		log.Warn().Err(err).Msg("sender: send failed")
		return fmt.Errorf("sender: send %s: %w", kind, err)
	}
	log.Info().Dur("duration", time.Since(start)).Msg("sender: message sent")
	return nil
}

func (s *Service) handle(sessionID string) (session.Handle, error) {
	h, err := s.sessions.ActiveHandle(s.sessionName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	return h, nil
}

func (s *Service) fetch(ctx context.Context, rawURL string) (media.Asset, error) {
	asset, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return media.Asset{}, fmt.Errorf("sender: fetch media: %w", err)
	}
	return asset, nil
}

func (s *Service) sessionName(sessionID string) string {
	if id := strings.TrimSpace(sessionID); id != "" {
		return id
	}
	return s.cfg.DefaultSession
}

func normalizePhone(phone string) (string, error) {
	to, err := util.NormalizePhone(phone)
	if err != nil {
		return "", invalid("%v", err)
	}
	return to, nil
}

func validateURL(raw string) (string, error) {
	u, err := util.ValidateMediaURL(raw)
	if err != nil {
		return "", invalid("%v", err)
	}
	return u, nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
