package alert

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
)

// Notifier delivers a notification to operators.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// EventPublisher publishes gateway lifecycle events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event models.GatewayEvent) error
}

// Config tunes the coordinator.
type Config struct {
	// Cooldown gates repeat failure notifications, process-wide.
	Cooldown        time.Duration
	DeliveryTimeout time.Duration
}

// Dependencies collects the collaborators of a Coordinator. Events is optional.
type Dependencies struct {
	Notifier Notifier
	Events   EventPublisher
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

var recoveryLabels = map[models.FailureClass]string{
	models.FailureConnection: "Connection restored",
	models.FailureWebhook:    "Webhook recovered",
}

// Coordinator turns noisy failure signals into rate-limited notifications. It
// is the only writer of outage flags.
type Coordinator struct {
	cfg      Config
	notifier Notifier
	events   EventPublisher
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu             sync.Mutex
	flags          map[models.FailureClass]*models.OutageFlag
	lastNotifiedAt time.Time

	wg sync.WaitGroup
}

// New validates the configuration and constructs a Coordinator.
func New(cfg Config, deps Dependencies) (*Coordinator, error) {
	if cfg.Cooldown <= 0 {
		return nil, errors.New("alert: cooldown must be positive")
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if deps.Notifier == nil {
		return nil, errors.New("alert: notifier dependency is required")
	}
	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	c := &Coordinator{
		cfg:      cfg,
		notifier: deps.Notifier,
		events:   deps.Events,
		clock:    clock,
		logger:   logger.With().Str("component", "alert").Logger(),
		flags:    make(map[models.FailureClass]*models.OutageFlag),
	}
	for _, class := range []models.FailureClass{models.FailureConnection, models.FailureWebhook} {
		c.flags[class] = &models.OutageFlag{Class: class}
	}
	return c, nil
}

// ReportFailure records a failure of class. The first failure since recovery
// always notifies; repeats notify only once the global cooldown has elapsed.
func (c *Coordinator) ReportFailure(class models.FailureClass, report models.FailureReport) {
	c.mu.Lock()
	flag := c.flag(class)
	now := c.clock.Now()

	notify := false
	if !flag.Active {
		flag.Active = true
		flag.Since = now
		notify = true
	} else if now.Sub(c.lastNotifiedAt) >= c.cfg.Cooldown {
		notify = true
	}
	if notify {
		c.lastNotifiedAt = now
		flag.LastNotifiedAt = now
	}
	c.mu.Unlock()

	if !notify {
		c.logger.Debug().Str("class", string(class)).Str("label", report.Label).Msg("alert: notification suppressed by cooldown")
		return
	}

	c.deliver(models.Notification{
		ID:         uuid.NewString(),
		Class:      class,
		Label:      report.Label,
		Message:    report.Message,
		StatusCode: report.StatusCode,
		Timestamp:  now,
		Detail:     common.TruncateRaw(report.Detail, models.MaxDiagnosticChars),
	})
}

// ReportSuccess clears an active outage of class and sends exactly one
// recovery notification. It does nothing while the class is healthy.
func (c *Coordinator) ReportSuccess(class models.FailureClass) {
	c.mu.Lock()
	flag := c.flag(class)
	if !flag.Active {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	downFor := now.Sub(flag.Since)
	flag.Active = false
	flag.Since = time.Time{}
	c.mu.Unlock()

	label := recoveryLabels[class]
	if label == "" {
		label = string(class) + " recovered"
	}
	c.deliver(models.Notification{
		ID:        uuid.NewString(),
		Class:     class,
		Label:     label,
		Message:   string(class) + " healthy again after " + downFor.Round(time.Second).String(),
		Timestamp: now,
		Recovery:  true,
	})
}

// Snapshot returns the current outage flags ordered by class.
func (c *Coordinator) Snapshot() []models.OutageFlag {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]models.OutageFlag, 0, len(c.flags))
	for _, f := range c.flags {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Active reports whether class currently has an outage.
func (c *Coordinator) Active(class models.FailureClass) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flag(class).Active
}

// Wait blocks until every queued notification has been handed off.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// flag expects c.mu to be held.
func (c *Coordinator) flag(class models.FailureClass) *models.OutageFlag {
	f, ok := c.flags[class]
	if !ok {
		f = &models.OutageFlag{Class: class}
		c.flags[class] = f
	}
	return f
}

// deliver hands n to the notifier asynchronously so reporters never block on
// the notification transport.
func (c *Coordinator) deliver(n models.Notification) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DeliveryTimeout)
		defer cancel()

		log := c.logger.With().
			Str("notification_id", n.ID).
			Str("class", string(n.Class)).
			Str("label", n.Label).
			Bool("recovery", n.Recovery).
			Logger()

		if err := c.notifier.Notify(ctx, n); err != nil {
			log.Error().Err(err).Msg("alert: notification delivery failed")
			return
		}
		log.Info().Msg("alert: notification sent")

		if c.events == nil {
			return
		}
		event := models.GatewayEvent{
			Type: models.EventAlertNotified,
			Attributes: map[string]string{
				"class":    string(n.Class),
				"label":    n.Label,
				"recovery": strconv.FormatBool(n.Recovery),
			},
			Timestamp: n.Timestamp,
		}
		if err := c.events.PublishEvent(ctx, event); err != nil {
			log.Warn().Err(err).Msg("alert: event publish failed")
		}
	}()
}
