package sendvalidator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/config"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/util"
	"github.com/example/wa-gateway/internal/worker"
)

// Validator implements worker.Validator for send commands.
type Validator struct {
	logger zerolog.Logger
	cfg    config.ValidationConfig
}

var _ worker.Validator = (*Validator)(nil)

// New constructs a Validator.
func New(cfg config.ValidationConfig, logger zerolog.Logger) *Validator {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Validator{logger: logger, cfg: cfg}
}

// ParseAndValidate decodes a SendRequest and enforces its invariants. On
// failure the partially decoded request is returned when available so the
// caller can still correlate the rejection.
func (v *Validator) ParseAndValidate(ctx context.Context, payload []byte) (*models.SendRequest, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(payload) == 0 {
		return nil, errors.New("send validator: payload is empty")
	}

	var req models.SendRequest
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("send validator: decode: %w", err)
	}

	if err := v.applyDefaultsAndValidate(&req); err != nil {
		return &req, err
	}
	return &req, nil
}

func (v *Validator) applyDefaultsAndValidate(req *models.SendRequest) error {
	req.MessageID = strings.TrimSpace(req.MessageID)
	if _, err := util.ParseUUIDv4(req.MessageID); err != nil {
		return fmt.Errorf("send validator: message_id: %w", err)
	}
	req.TraceID = strings.TrimSpace(req.TraceID)
	req.Session = strings.TrimSpace(req.Session)

	if req.CreatedAt.IsZero() {
		return errors.New("send validator: created_at is required")
	}
	req.CreatedAt = req.CreatedAt.UTC()

	phone, err := util.NormalizePhone(req.Phone)
	if err != nil {
		return fmt.Errorf("send validator: phone: %w", err)
	}
	req.Phone = phone

	req.Kind = models.SendKind(strings.ToLower(strings.TrimSpace(string(req.Kind))))
	switch req.Kind {
	case models.SendText:
		if strings.TrimSpace(req.Text) == "" {
			return errors.New("send validator: text is required")
		}
		if err := util.EnsureMaxRunes("text", req.Text, v.cfg.TextMax); err != nil {
			return fmt.Errorf("send validator: %w", err)
		}
	case models.SendImage:
		if len(req.Data) == 0 && strings.TrimSpace(req.URL) == "" {
			return errors.New("send validator: image requires data or url")
		}
		if len(req.Data) == 0 {
			if err := v.validateURL(req); err != nil {
				return err
			}
		}
		if err := util.EnsureMaxBytes("data", req.Data, v.cfg.MsgMaxBytes); err != nil {
			return fmt.Errorf("send validator: %w", err)
		}
	case models.SendVideo, models.SendAudio:
		if err := v.validateURL(req); err != nil {
			return err
		}
	case models.SendLocation:
		if req.Latitude == nil || req.Longitude == nil {
			return errors.New("send validator: latitude and longitude are required")
		}
		if *req.Latitude < -90 || *req.Latitude > 90 || *req.Longitude < -180 || *req.Longitude > 180 {
			return errors.New("send validator: coordinates out of range")
		}
	case "":
		return errors.New("send validator: kind is required")
	default:
		return fmt.Errorf("send validator: unsupported kind %q", req.Kind)
	}

	meta, err := util.ValidateMetadata(req.Meta, v.cfg.MetaMaxEntries, v.cfg.MetaMaxKeyLen, v.cfg.MetaMaxValueLen)
	if err != nil {
		return fmt.Errorf("send validator: metadata: %w", err)
	}
	req.Meta = meta

	return nil
}

func (v *Validator) validateURL(req *models.SendRequest) error {
	u, err := util.ValidateMediaURL(req.URL)
	if err != nil {
		return fmt.Errorf("send validator: url: %w", err)
	}
	req.URL = u
	return nil
}
