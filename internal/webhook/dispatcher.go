package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

const maxResponseBytes = 1 << 20

// HandleSource resolves the live handle of a session.
type HandleSource interface {
	ActiveHandle(identity string) (session.Handle, error)
}

// AlertReporter receives webhook outage signals.
type AlertReporter interface {
	ReportFailure(class models.FailureClass, report models.FailureReport)
	ReportSuccess(class models.FailureClass)
}

// Journal records dispatch outcomes.
type Journal interface {
	RecordDispatch(ctx context.Context, rec models.DispatchRecord) error
}

// EventPublisher publishes gateway lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.GatewayEvent) error
}

// Config describes the webhook endpoint.
type Config struct {
	URL     string
	Timeout time.Duration
	// Port is passed to the webhook so it can call back into the send API.
	Port   int
	Pacing Pacing
}

// Dependencies collects the collaborators of a Dispatcher. Journal and Events
// are optional.
type Dependencies struct {
	Sessions   HandleSource
	Alerts     AlertReporter
	HTTPClient *http.Client
	Journal    Journal
	Events     EventPublisher
	Clock      clockwork.Clock
	Logger     zerolog.Logger
}

// Dispatcher delivers batches to the webhook and relays replies back through
// the owning session.
type Dispatcher struct {
	cfg      Config
	endpoint *url.URL
	sessions HandleSource
	alerts   AlertReporter
	client   *http.Client
	journal  Journal
	events   EventPublisher
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// NewDispatcher validates the configuration and constructs a Dispatcher.
func NewDispatcher(cfg Config, deps Dependencies) (*Dispatcher, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	endpoint, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook: parse url: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("webhook: unsupported url scheme %q", endpoint.Scheme)
	}
	if cfg.Timeout <= 0 {
		return nil, errors.New("webhook: timeout must be positive")
	}
	if deps.Sessions == nil {
		return nil, errors.New("webhook: sessions dependency is required")
	}
	if deps.Alerts == nil {
		return nil, errors.New("webhook: alerts dependency is required")
	}
	if cfg.Pacing == (Pacing{}) {
		cfg.Pacing = DefaultPacing()
	}

	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Dispatcher{
		cfg:      cfg,
		endpoint: endpoint,
		sessions: deps.Sessions,
		alerts:   deps.Alerts,
		client:   client,
		journal:  deps.Journal,
		events:   deps.Events,
		clock:    clock,
		logger:   logger.With().Str("component", "webhook").Logger(),
	}, nil
}

// Dispatch delivers batch to the webhook. Failed calls are reported to the
// alert coordinator and never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, batch models.Batch) models.DeliveryOutcome {
	started := d.clock.Now()
	outcome, reply, err := d.dispatch(ctx, batch)

	log := d.logger.With().
		Str("session", batch.Session).
		Str("conversation_id", batch.ConversationID).
		Str("kind", string(batch.DominantKind)).
		Str("outcome", string(outcome)).
		Dur("elapsed", d.clock.Since(started)).
		Logger()
	if err != nil {
		log.Error().Err(err).Msg("webhook: dispatch failed")
	} else {
		log.Info().Int("reply_len", len(reply)).Msg("webhook: batch dispatched")
	}

	rec := models.DispatchRecord{
		ConversationID: batch.ConversationID,
		Session:        batch.Session,
		Kind:           batch.DominantKind,
		TextLength:     len(batch.CombinedText),
		MediaCount:     len(batch.MediaFor(batch.DominantKind)),
		Outcome:        outcome,
		ReplyLength:    len(reply),
		CreatedAt:      started,
	}
	if err != nil {
		rec.Error = common.TruncateRaw(err.Error(), 512)
	}
	d.record(ctx, rec)
	d.publish(ctx, batch, outcome)

	return outcome
}

func (d *Dispatcher) dispatch(ctx context.Context, batch models.Batch) (models.DeliveryOutcome, string, error) {
	body, err := json.Marshal(buildRequest(batch))
	if err != nil {
		return models.OutcomeFailed, "", fmt.Errorf("webhook: encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.requestURL(batch), bytes.NewReader(body))
	if err != nil {
		return models.OutcomeFailed, "", fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		label := "Webhook unreachable"
		if common.IsTimeout(err) || errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			label = "Webhook timeout"
		}
		d.alerts.ReportFailure(models.FailureWebhook, models.FailureReport{
			Label:   label,
			Message: err.Error(),
			Detail:  fmt.Sprintf("POST %s (conversation %s)", d.endpoint.Redacted(), batch.ConversationID),
		})
		return models.OutcomeFailed, "", fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		status := resp.StatusCode
		d.alerts.ReportFailure(models.FailureWebhook, models.FailureReport{
			Label:      "Webhook error response",
			Message:    fmt.Sprintf("webhook responded with status %d", status),
			StatusCode: &status,
			Detail:     common.TruncateRaw(string(raw), models.MaxDiagnosticChars),
		})
		return models.OutcomeFailed, "", fmt.Errorf("webhook: unexpected status %d", status)
	}
	if readErr != nil {
		d.alerts.ReportFailure(models.FailureWebhook, models.FailureReport{
			Label:   "Webhook response unreadable",
			Message: readErr.Error(),
		})
		return models.OutcomeFailed, "", fmt.Errorf("webhook: read response: %w", readErr)
	}
	d.alerts.ReportSuccess(models.FailureWebhook)

	reply := ExtractReply(raw, resp.Header.Get("Content-Type"))
	if reply == "" {
		if batch.DominantKind != models.KindText {
			return models.OutcomeMediaAccepted, "", nil
		}
		d.logger.Info().
			Str("conversation_id", batch.ConversationID).
			Int("status", resp.StatusCode).
			Msg("webhook: response carried no actionable content")
		return models.OutcomeNoReply, "", nil
	}

	reply = NormalizeMarkdown(reply)
	if err := d.deliver(ctx, batch, reply); err != nil {
		return models.OutcomeReplyFailed, reply, err
	}
	return models.OutcomeReplied, reply, nil
}

// deliver sends reply with a typing simulation. Presence signals are
// best-effort; only the text send can fail the delivery.
func (d *Dispatcher) deliver(ctx context.Context, batch models.Batch, reply string) error {
	handle, err := d.sessions.ActiveHandle(batch.Session)
	if err != nil {
		return fmt.Errorf("webhook: deliver reply: %w", err)
	}
	to := batch.ConversationID

	if err := handle.SendPresence(ctx, to, models.PresenceComposing); err != nil {
		d.logger.Debug().Err(err).Str("conversation_id", to).Msg("webhook: composing presence failed")
	}

	select {
	case <-d.clock.After(d.cfg.Pacing.Delay(reply)):
	case <-ctx.Done():
		return fmt.Errorf("webhook: deliver reply: %w", ctx.Err())
	}

	if err := handle.SendText(ctx, to, reply); err != nil {
		return fmt.Errorf("webhook: deliver reply: %w", err)
	}

	if err := handle.SendPresence(ctx, to, models.PresencePaused); err != nil {
		d.logger.Debug().Err(err).Str("conversation_id", to).Msg("webhook: paused presence failed")
	}
	return nil
}

func (d *Dispatcher) requestURL(batch models.Batch) string {
	u := *d.endpoint
	q := u.Query()
	q.Set("phone", batch.ConversationID)
	q.Set("session", batch.Session)
	q.Set("port", strconv.Itoa(d.cfg.Port))
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Dispatcher) record(ctx context.Context, rec models.DispatchRecord) {
	if d.journal == nil {
		return
	}
	if err := d.journal.RecordDispatch(ctx, rec); err != nil {
		d.logger.Warn().Err(err).Str("conversation_id", rec.ConversationID).Msg("webhook: journal write failed")
	}
}

func (d *Dispatcher) publish(ctx context.Context, batch models.Batch, outcome models.DeliveryOutcome) {
	if d.events == nil {
		return
	}
	event := models.GatewayEvent{
		Type:           models.EventBatchDispatched,
		Session:        batch.Session,
		ConversationID: batch.ConversationID,
		Attributes: map[string]string{
			"kind":    string(batch.DominantKind),
			"outcome": string(outcome),
			"units":   strconv.Itoa(batch.UnitCount),
		},
		Timestamp: d.clock.Now(),
	}
	if err := d.events.PublishEvent(ctx, event); err != nil {
		d.logger.Warn().Err(err).Str("conversation_id", batch.ConversationID).Msg("webhook: event publish failed")
	}
}
