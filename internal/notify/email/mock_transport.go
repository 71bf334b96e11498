package email

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"
	ScenarioTimeout   Scenario = "timeout"
)

// MockOption customizes the mock transport.
type MockOption func(*MockTransport)

// WithDefaultScenario configures how sends behave.
func WithDefaultScenario(s Scenario) MockOption {
	return func(m *MockTransport) {
		m.scenario = s
	}
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) MockOption {
	return func(m *MockTransport) {
		if now != nil {
			m.now = now
		}
	}
}

// MockTransport records payloads in memory instead of talking to a server.
type MockTransport struct {
	logger   zerolog.Logger
	scenario Scenario
	now      func() time.Time

	mu   sync.Mutex
	sent []Payload
}

// NewMockTransport constructs a mock transport that succeeds by default.
func NewMockTransport(logger zerolog.Logger, opts ...MockOption) *MockTransport {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	m := &MockTransport{logger: logger, scenario: ScenarioSuccess, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Send implements Transport.
func (m *MockTransport) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("email: payload is required")
	}
	if len(payload.To) == 0 {
		return nil, errors.New("email: at least one recipient is required")
	}

	m.logger.Debug().
		Str("provider", "mock_smtp").
		Str("scenario", string(m.scenario)).
		Str("message_id", payload.MessageID).
		Msg("mock email transport invoked")

	switch m.scenario {
	case ScenarioPermanent:
		resp := &RawResponse{ID: payload.MessageID, Code: 550, Body: "mock: mailbox unavailable", Timestamp: m.now()}
		return resp, fmt.Errorf("smtp %d: %s", resp.Code, resp.Body)
	case ScenarioTransient:
		resp := &RawResponse{ID: payload.MessageID, Code: 451, Body: "mock: requested action aborted, try again later", Timestamp: m.now()}
		return resp, fmt.Errorf("smtp %d: %s", resp.Code, resp.Body)
	case ScenarioTimeout:
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m.mu.Lock()
	m.sent = append(m.sent, *payload)
	m.mu.Unlock()
	return &RawResponse{ID: payload.MessageID, Code: 250, Body: "mock: message queued", Timestamp: m.now()}, nil
}

// Sent returns a copy of every accepted payload.
func (m *MockTransport) Sent() []Payload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payload(nil), m.sent...)
}
