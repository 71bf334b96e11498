package bridge

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

// Scenario enumerates the supported mock send behaviours.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// SentMessage is one send recorded by a MockHandle.
type SentMessage struct {
	Op       string
	To       string
	Text     string
	Media    *models.OutboundMedia
	Location *models.Location
	Presence models.Presence
	At       time.Time
}

// MockOption customizes mock handles and factories.
type MockOption func(*mockSettings)

type mockSettings struct {
	scenario Scenario
	latency  time.Duration
	autoOpen bool
	now      func() time.Time
}

// WithScenario sets how sends behave.
func WithScenario(s Scenario) MockOption {
	return func(m *mockSettings) {
		m.scenario = s
	}
}

// WithLatency delays every send. Negative values are clamped to zero.
func WithLatency(d time.Duration) MockOption {
	return func(m *mockSettings) {
		if d < 0 {
			d = 0
		}
		m.latency = d
	}
}

// WithAutoOpen makes new handles emit an opened event immediately.
func WithAutoOpen(enabled bool) MockOption {
	return func(m *mockSettings) {
		m.autoOpen = enabled
	}
}

// WithClock overrides the timestamp source for recorded sends.
func WithClock(now func() time.Time) MockOption {
	return func(m *mockSettings) {
		if now != nil {
			m.now = now
		}
	}
}

func resolveSettings(opts []MockOption) mockSettings {
	s := mockSettings{scenario: ScenarioSuccess, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// MockHandle is an in-memory session.Handle for local runs and tests. Events
// are injected with Emit.
type MockHandle struct {
	identity string
	settings mockSettings
	logger   zerolog.Logger

	mu       sync.Mutex
	closed   bool
	scenario Scenario
	sent     []SentMessage
	events   chan session.Event
}

var _ session.Handle = (*MockHandle)(nil)

// NewMockHandle constructs a mock handle for identity.
func NewMockHandle(identity string, logger zerolog.Logger, opts ...MockOption) *MockHandle {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	settings := resolveSettings(opts)
	h := &MockHandle{
		identity: identity,
		settings: settings,
		logger:   logger,
		scenario: settings.scenario,
		events:   make(chan session.Event, eventBuffer),
	}
	if settings.autoOpen {
		h.events <- session.Event{Kind: session.EventOpened}
	}
	return h
}

// Events implements session.Handle.
func (h *MockHandle) Events() <-chan session.Event {
	return h.events
}

// Emit injects an event. It reports false when the handle is closed.
func (h *MockHandle) Emit(ev session.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if ev.Kind == session.EventMessage && ev.Unit.Session == "" {
		ev.Unit.Session = h.identity
	}
	h.events <- ev
	return true
}

// SetScenario switches the behaviour of subsequent sends.
func (h *MockHandle) SetScenario(s Scenario) {
	h.mu.Lock()
	h.scenario = s
	h.mu.Unlock()
}

// Sent returns a copy of every successful send.
func (h *MockHandle) Sent() []SentMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]SentMessage(nil), h.sent...)
}

// Closed reports whether Close was called.
func (h *MockHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SendText implements session.Handle.
func (h *MockHandle) SendText(ctx context.Context, to, text string) error {
	return h.record(ctx, SentMessage{Op: frameSendText, To: to, Text: text})
}

// SendMedia implements session.Handle.
func (h *MockHandle) SendMedia(ctx context.Context, to string, media models.OutboundMedia) error {
	return h.record(ctx, SentMessage{Op: frameSendMedia, To: to, Media: &media})
}

// SendLocation implements session.Handle.
func (h *MockHandle) SendLocation(ctx context.Context, to string, loc models.Location) error {
	return h.record(ctx, SentMessage{Op: frameSendLocation, To: to, Location: &loc})
}

// SendPresence implements session.Handle.
func (h *MockHandle) SendPresence(ctx context.Context, to string, presence models.Presence) error {
	return h.record(ctx, SentMessage{Op: framePresence, To: to, Presence: presence})
}

// Close implements session.Handle.
func (h *MockHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}

func (h *MockHandle) record(ctx context.Context, msg SentMessage) error {
	h.mu.Lock()
	closed := h.closed
	scenario := h.scenario
	h.mu.Unlock()
	if closed {
		return common.ErrStaleHandle
	}

	if h.settings.latency > 0 {
		if err := sleep(ctx, h.settings.latency); err != nil {
			return err
		}
	}

	h.logger.Debug().
		Str("provider", "mock_bridge").
		Str("scenario", string(scenario)).
		Str("op", msg.Op).
		Str("to", msg.To).
		Msg("mock bridge send invoked")

	switch scenario {
	case ScenarioTransient:
		return common.WrapTransient(errors.New("mock: sidecar busy, try again later"))
	case ScenarioPermanent:
		return common.WrapPermanent(errors.New("mock: recipient not on network"))
	case ScenarioTimeout:
		<-ctx.Done()
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return common.ErrStaleHandle
	}
	msg.At = h.settings.now()
	h.sent = append(h.sent, msg)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MockFactory hands out MockHandles and keeps track of them.
type MockFactory struct {
	logger zerolog.Logger
	opts   []MockOption

	mu      sync.Mutex
	handles []*MockHandle
	failErr error
}

var _ session.Factory = (*MockFactory)(nil)

// NewMockFactory constructs a factory whose handles use opts.
func NewMockFactory(logger zerolog.Logger, opts ...MockOption) *MockFactory {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &MockFactory{logger: logger, opts: opts}
}

// FailWith makes subsequent New calls fail with err; nil restores success.
func (f *MockFactory) FailWith(err error) {
	f.mu.Lock()
	f.failErr = err
	f.mu.Unlock()
}

// New implements session.Factory.
func (f *MockFactory) New(ctx context.Context, identity, _ string) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return nil, f.failErr
	}
	h := NewMockHandle(identity, f.logger, f.opts...)
	f.handles = append(f.handles, h)
	return h, nil
}

// Handles returns every handle created so far, oldest first.
func (f *MockFactory) Handles() []*MockHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockHandle(nil), f.handles...)
}

// Last returns the newest handle, or nil.
func (f *MockFactory) Last() *MockHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}
