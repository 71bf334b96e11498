package sendvalidator_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/config"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/util"
	sendvalidator "github.com/example/wa-gateway/internal/worker/validator/send"
)

const messageID = "b0c9c2b0-1f3a-4d2d-9e3f-123456789abc"

func validationConfig() config.ValidationConfig {
	return config.ValidationConfig{
		MsgMaxBytes:     16,
		TextMax:         32,
		MetaMaxEntries:  2,
		MetaMaxKeyLen:   16,
		MetaMaxValueLen: 64,
	}
}

func encode(t *testing.T, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func basePayload(kind string) map[string]any {
	return map[string]any{
		"message_id": messageID,
		"kind":       kind,
		"phone":      "54 9 11 2233-4455",
		"created_at": time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("ART", -3*3600)).Format(time.RFC3339),
	}
}

func TestValidatorTextSuccess(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload(" TEXT ")
	payload["text"] = "hello via whatsapp"
	payload["trace_id"] = " trace "
	payload["meta"] = map[string]string{" scenario ": " success "}

	req, err := validator.ParseAndValidate(context.Background(), encode(t, payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Kind != models.SendText {
		t.Fatalf("expected kind to be normalised, got %q", req.Kind)
	}
	if req.Phone != "+5491122334455" {
		t.Fatalf("expected E.164 phone, got %q", req.Phone)
	}
	if req.TraceID != "trace" {
		t.Fatalf("expected trimmed trace id, got %q", req.TraceID)
	}
	if req.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected created_at in UTC")
	}
	if req.Meta["scenario"] != "success" {
		t.Fatalf("expected trimmed metadata, got %v", req.Meta)
	}
}

func TestValidatorRejectsInvalidMessageID(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload("text")
	payload["text"] = "hi"
	payload["message_id"] = "not-a-uuid"

	req, err := validator.ParseAndValidate(context.Background(), encode(t, payload))
	if err == nil {
		t.Fatalf("expected message id error")
	}
	if req == nil || req.MessageID != "not-a-uuid" {
		t.Fatalf("expected partial request for correlation, got %+v", req)
	}
}

func TestValidatorRequiresCreatedAt(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload("text")
	payload["text"] = "hi"
	delete(payload, "created_at")

	if _, err := validator.ParseAndValidate(context.Background(), encode(t, payload)); err == nil {
		t.Fatalf("expected created_at error")
	}
}

func TestValidatorRejectsInvalidPhone(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload("text")
	payload["text"] = "hi"
	payload["phone"] = "call me"

	_, err := validator.ParseAndValidate(context.Background(), encode(t, payload))
	if !errors.Is(err, util.ErrInvalidPhone) {
		t.Fatalf("expected invalid phone error, got %v", err)
	}
}

func TestValidatorKinds(t *testing.T) {
	cases := map[string]struct {
		kind    string
		fields  map[string]any
		wantErr bool
	}{
		"text missing":       {kind: "text", wantErr: true},
		"text too long":      {kind: "text", fields: map[string]any{"text": strings.Repeat("a", 33)}, wantErr: true},
		"image data":         {kind: "image", fields: map[string]any{"data": []byte("png")}},
		"image data too big": {kind: "image", fields: map[string]any{"data": make([]byte, 17)}, wantErr: true},
		"image url":          {kind: "image", fields: map[string]any{"url": "https://cdn.example.com/a.png"}},
		"image nothing":      {kind: "image", wantErr: true},
		"video url":          {kind: "video", fields: map[string]any{"url": "https://cdn.example.com/a.mp4"}},
		"video file scheme":  {kind: "video", fields: map[string]any{"url": "file:///etc/passwd"}, wantErr: true},
		"audio data scheme":  {kind: "audio", fields: map[string]any{"url": "data:audio/ogg;base64,AAAA"}, wantErr: true},
		"location":           {kind: "location", fields: map[string]any{"latitude": -34.6, "longitude": -58.4}},
		"location missing":   {kind: "location", fields: map[string]any{"latitude": -34.6}, wantErr: true},
		"location range":     {kind: "location", fields: map[string]any{"latitude": 91.0, "longitude": 0.0}, wantErr: true},
		"empty kind":         {kind: "", wantErr: true},
		"unsupported kind":   {kind: "sticker", wantErr: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			validator := sendvalidator.New(validationConfig(), zerolog.Nop())
			payload := basePayload(tc.kind)
			for k, v := range tc.fields {
				payload[k] = v
			}

			_, err := validator.ParseAndValidate(context.Background(), encode(t, payload))
			if tc.wantErr && err == nil {
				t.Fatalf("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatorRejectsUnsupportedSchemes(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload("audio")
	payload["url"] = "file:///tmp/voice.ogg"

	_, err := validator.ParseAndValidate(context.Background(), encode(t, payload))
	if !errors.Is(err, util.ErrUnsupportedScheme) {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestValidatorRejectsUnknownFields(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload("text")
	payload["text"] = "hi"
	payload["channel"] = "sms"

	req, err := validator.ParseAndValidate(context.Background(), encode(t, payload))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	if req != nil {
		t.Fatalf("expected nil request on decode failure")
	}
}

func TestValidatorRejectsTooMuchMetadata(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	payload := basePayload("text")
	payload["text"] = "hi"
	payload["meta"] = map[string]string{"a": "1", "b": "2", "c": "3"}

	if _, err := validator.ParseAndValidate(context.Background(), encode(t, payload)); err == nil {
		t.Fatalf("expected metadata error")
	}
}

func TestValidatorRejectsEmptyPayload(t *testing.T) {
	validator := sendvalidator.New(validationConfig(), zerolog.Nop())

	if _, err := validator.ParseAndValidate(context.Background(), nil); err == nil {
		t.Fatalf("expected empty payload error")
	}
}
