package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
)

// ErrSupervisorClosed is returned by Connect after Close.
var ErrSupervisorClosed = errors.New("session: supervisor closed")

// Config holds the reconnect policy of a Supervisor.
type Config struct {
	AuthDir              string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectCooldown    time.Duration
	SetupRetryDelay      time.Duration
}

// DefaultConfig returns the stock reconnect policy.
func DefaultConfig() Config {
	return Config{
		AuthDir:              "./auth",
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   5 * time.Second,
		ReconnectCooldown:    5 * time.Minute,
		SetupRetryDelay:      5 * time.Second,
	}
}

// Sink receives inbound units from open sessions.
type Sink interface {
	Ingest(unit models.InboundUnit)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(unit models.InboundUnit)

// Ingest implements Sink.
func (f SinkFunc) Ingest(unit models.InboundUnit) {
	f(unit)
}

// Observer is notified of session lifecycle transitions. Callbacks run on the
// session's event goroutine and must not block.
type Observer interface {
	SessionOpened(identity string)
	SessionClosed(identity string, reason CloseReason)
	SessionSetupFailed(identity string, err error)
}

// Dependencies collects the collaborators of a Supervisor.
type Dependencies struct {
	Factory   Factory
	Sink      Sink
	Observers []Observer
	Clock     clockwork.Clock
	Logger    zerolog.Logger
}

// Supervisor owns the lifecycle of every session handle in the process. It is
// the only writer of session state.
type Supervisor struct {
	cfg       Config
	factory   Factory
	sink      Sink
	observers []Observer
	clock     clockwork.Clock
	logger    zerolog.Logger

	reg    *registry
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSupervisor validates the configuration and constructs a Supervisor.
func NewSupervisor(cfg Config, deps Dependencies) (*Supervisor, error) {
	if deps.Factory == nil {
		return nil, errors.New("session: factory dependency is required")
	}
	if deps.Sink == nil {
		return nil, errors.New("session: sink dependency is required")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return nil, errors.New("session: max reconnect attempts cannot be negative")
	}
	if cfg.ReconnectBaseDelay <= 0 || cfg.ReconnectCooldown <= 0 || cfg.SetupRetryDelay <= 0 {
		return nil, errors.New("session: delays must be positive")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:       cfg,
		factory:   deps.Factory,
		sink:      deps.Sink,
		observers: append([]Observer(nil), deps.Observers...),
		clock:     clock,
		logger:    logger.With().Str("component", "supervisor").Logger(),
		reg:       newRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Connect starts a fresh handle for identity. It is a no-op while the session
// is already connecting or open. A factory failure leaves the session idle
// and schedules a delayed retry; the error is returned for the caller's
// information. Calling Connect on a session whose reconnect attempts are
// exhausted restarts the backoff sequence from the first delay.
func (s *Supervisor) Connect(identity string) error {
	return s.connect(identity, true)
}

func (s *Supervisor) connect(identity string, external bool) error {
	s.reg.mu.Lock()
	if s.closed {
		s.reg.mu.Unlock()
		return ErrSupervisorClosed
	}
	sess := s.reg.getOrCreate(identity)
	if sess.state == StateConnecting || sess.state == StateOpen {
		s.reg.mu.Unlock()
		return nil
	}
	if external && sess.reconnectAttempts >= s.cfg.MaxReconnectAttempts {
		sess.reconnectAttempts = 0
		sess.stopCooldown()
	}
	sess.state = StateConnecting
	sess.stopRetry()
	sess.generation++
	gen := sess.generation
	attempt := sess.reconnectAttempts
	s.reg.mu.Unlock()

	s.logger.Info().Str("session", identity).Int("attempt", attempt).Msg("supervisor: connecting")

	authDir := s.authDir(identity)
	s.cleanAuth(identity, authDir)

	handle, err := s.factory.New(s.ctx, identity, authDir)
	if err != nil {
		s.setupFailed(sess, gen, err)
		return fmt.Errorf("session: connect %s: %w", identity, err)
	}

	s.reg.mu.Lock()
	if s.closed || sess.generation != gen {
		s.reg.mu.Unlock()
		_ = handle.Close()
		return nil
	}
	sess.handle = handle
	s.wg.Add(1)
	s.reg.mu.Unlock()

	go s.pump(sess, gen, handle)
	return nil
}

// ActiveHandle returns the live handle of identity, or common.ErrNotConnected
// when the session is not open.
func (s *Supervisor) ActiveHandle(identity string) (Handle, error) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	sess, ok := s.reg.get(identity)
	if !ok || sess.state != StateOpen || sess.handle == nil {
		return nil, common.ErrNotConnected
	}
	return sess.handle, nil
}

// Status returns a snapshot of identity.
func (s *Supervisor) Status(identity string) (Status, bool) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	sess, ok := s.reg.get(identity)
	if !ok {
		return Status{}, false
	}
	return sess.status(), true
}

// Statuses returns a snapshot of every known session.
func (s *Supervisor) Statuses() []Status {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	out := make([]Status, 0, len(s.reg.sessions))
	for _, sess := range s.reg.sessions {
		out = append(out, sess.status())
	}
	return out
}

// Close stops all timers, closes every live handle and waits for the event
// goroutines to exit.
func (s *Supervisor) Close() error {
	s.reg.mu.Lock()
	if s.closed {
		s.reg.mu.Unlock()
		return nil
	}
	s.closed = true
	var handles []Handle
	for _, sess := range s.reg.sessions {
		sess.stopRetry()
		sess.stopCooldown()
		sess.generation++
		if sess.handle != nil {
			handles = append(handles, sess.handle)
			sess.handle = nil
		}
		sess.state = StateClosed
	}
	s.reg.mu.Unlock()

	s.cancel()
	for _, h := range handles {
		_ = h.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Supervisor) pump(sess *session, gen uint64, h Handle) {
	defer s.wg.Done()

	for ev := range h.Events() {
		switch ev.Kind {
		case EventOpened:
			s.opened(sess, gen)
		case EventClosed:
			s.closedWith(sess, gen, h, ev.Reason)
			return
		case EventQR:
			s.qr(sess, gen, ev.QR)
		case EventMessage:
			s.message(sess, gen, ev.Unit)
		}
	}
	s.closedWith(sess, gen, h, CloseReason{Message: "event stream ended"})
}

func (s *Supervisor) opened(sess *session, gen uint64) {
	s.reg.mu.Lock()
	if sess.generation != gen {
		s.reg.mu.Unlock()
		return
	}
	sess.state = StateOpen
	sess.reconnectAttempts = 0
	sess.lastOpenedAt = s.clock.Now()
	sess.qr = ""
	sess.stopCooldown()
	identity := sess.identity
	s.reg.mu.Unlock()

	s.logger.Info().Str("session", identity).Msg("supervisor: session open")
	for _, o := range s.observers {
		o.SessionOpened(identity)
	}
}

func (s *Supervisor) closedWith(sess *session, gen uint64, h Handle, reason CloseReason) {
	s.reg.mu.Lock()
	if sess.generation != gen || sess.handle != h {
		s.reg.mu.Unlock()
		_ = h.Close()
		return
	}
	identity := sess.identity
	sess.handle = nil
	sess.state = StateClosed
	sess.lastClose = &reason

	log := s.logger.With().Str("session", identity).Str("reason", reason.String()).Logger()
	switch {
	case reason.LoggedOut():
		log.Warn().Msg("supervisor: logged out, not reconnecting")
	case sess.reconnectAttempts < s.cfg.MaxReconnectAttempts:
		sess.reconnectAttempts++
		delay := s.cfg.ReconnectBaseDelay * time.Duration(sess.reconnectAttempts)
		sess.stopRetry()
		sess.retryTimer = s.clock.AfterFunc(delay, func() { s.retry(identity, gen) })
		log.Info().Int("attempt", sess.reconnectAttempts).Dur("delay", delay).Msg("supervisor: reconnect scheduled")
	default:
		sess.stopCooldown()
		sess.cooldownTimer = s.clock.AfterFunc(s.cfg.ReconnectCooldown, func() { s.resetAttempts(identity) })
		log.Error().Int("attempts", sess.reconnectAttempts).Dur("cooldown", s.cfg.ReconnectCooldown).Msg("supervisor: reconnect attempts exhausted")
	}
	s.reg.mu.Unlock()

	_ = h.Close()
	for _, o := range s.observers {
		o.SessionClosed(identity, reason)
	}
}

func (s *Supervisor) qr(sess *session, gen uint64, payload string) {
	s.reg.mu.Lock()
	if sess.generation != gen {
		s.reg.mu.Unlock()
		return
	}
	sess.qr = payload
	identity := sess.identity
	s.reg.mu.Unlock()

	s.logger.Info().Str("session", identity).Str("qr", payload).Msg("supervisor: qr challenge received")
}

func (s *Supervisor) message(sess *session, gen uint64, unit models.InboundUnit) {
	s.reg.mu.Lock()
	live := sess.generation == gen && sess.state == StateOpen
	identity := sess.identity
	s.reg.mu.Unlock()

	if !live {
		s.logger.Debug().Str("session", identity).Str("conversation_id", unit.ConversationID).Msg("supervisor: dropping message on closed session")
		return
	}
	if unit.Session == "" {
		unit.Session = identity
	}
	if unit.ReceivedAt.IsZero() {
		unit.ReceivedAt = s.clock.Now()
	}
	if err := unit.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("session", identity).Msg("supervisor: invalid inbound unit")
		return
	}
	s.sink.Ingest(unit)
}

// retry reconnects identity unless a newer connect superseded the timer.
func (s *Supervisor) retry(identity string, gen uint64) {
	s.reg.mu.Lock()
	sess, ok := s.reg.get(identity)
	stale := !ok || s.closed || sess.generation != gen
	if !stale {
		sess.retryTimer = nil
	}
	s.reg.mu.Unlock()
	if stale {
		return
	}

	if err := s.connect(identity, false); err != nil {
		s.logger.Warn().Err(err).Str("session", identity).Msg("supervisor: reconnect failed")
	}
}

func (s *Supervisor) resetAttempts(identity string) {
	s.reg.mu.Lock()
	defer s.reg.mu.Unlock()

	sess, ok := s.reg.get(identity)
	if !ok || s.closed {
		return
	}
	sess.reconnectAttempts = 0
	sess.cooldownTimer = nil
	s.logger.Info().Str("session", identity).Msg("supervisor: reconnect attempts reset after cooldown")
}

func (s *Supervisor) setupFailed(sess *session, gen uint64, err error) {
	s.reg.mu.Lock()
	identity := sess.identity
	if !s.closed && sess.generation == gen && sess.state == StateConnecting {
		sess.state = StateIdle
		sess.stopRetry()
		sess.retryTimer = s.clock.AfterFunc(s.cfg.SetupRetryDelay, func() { s.retry(identity, gen) })
	}
	s.reg.mu.Unlock()

	s.logger.Error().Err(err).Str("session", identity).Dur("retry_in", s.cfg.SetupRetryDelay).Msg("supervisor: session setup failed")
	for _, o := range s.observers {
		o.SessionSetupFailed(identity, err)
	}
}

// cleanAuth is best-effort: failures are logged and never abort a connect.
func (s *Supervisor) cleanAuth(identity, dir string) {
	report, err := CleanAuthDir(dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("session", identity).Msg("supervisor: auth cleanup incomplete")
	}
	if len(report.RemovedFragments) > 0 {
		s.logger.Info().Str("session", identity).Strs("removed", report.RemovedFragments).Msg("supervisor: removed duplicate credential fragments")
	}
	if report.RemovedCreds {
		s.logger.Warn().Str("session", identity).Msg("supervisor: removed corrupt credentials")
	}
}

func (s *Supervisor) authDir(identity string) string {
	return filepath.Join(s.cfg.AuthDir, identity)
}
