package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

const (
	eventBuffer  = 64
	writeTimeout = 10 * time.Second
)

// Handle is a session.Handle backed by a websocket connection to the protocol
// sidecar. Every send waits for the matching ack frame.
type Handle struct {
	identity string
	conn     *websocket.Conn
	logger   zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	stale   bool
	pending map[string]chan error

	events    chan session.Event
	done      chan struct{}
	closeOnce sync.Once
}

var _ session.Handle = (*Handle)(nil)

func newHandle(identity string, conn *websocket.Conn, logger zerolog.Logger) *Handle {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	h := &Handle{
		identity: identity,
		conn:     conn,
		logger:   logger,
		pending:  make(map[string]chan error),
		events:   make(chan session.Event, eventBuffer),
		done:     make(chan struct{}),
	}
	go h.readLoop()
	return h
}

// Events implements session.Handle. The channel closes when the connection ends.
func (h *Handle) Events() <-chan session.Event {
	return h.events
}

// SendText implements session.Handle.
func (h *Handle) SendText(ctx context.Context, to, text string) error {
	return h.request(ctx, frame{Type: frameSendText, To: to, Text: text})
}

// SendMedia implements session.Handle.
func (h *Handle) SendMedia(ctx context.Context, to string, media models.OutboundMedia) error {
	return h.request(ctx, frame{Type: frameSendMedia, To: to, Media: mediaToFrame(media)})
}

// SendLocation implements session.Handle.
func (h *Handle) SendLocation(ctx context.Context, to string, loc models.Location) error {
	return h.request(ctx, frame{Type: frameSendLocation, To: to, Location: locationToFrame(loc)})
}

// SendPresence implements session.Handle.
func (h *Handle) SendPresence(ctx context.Context, to string, presence models.Presence) error {
	return h.request(ctx, frame{Type: framePresence, To: to, Presence: string(presence)})
}

// Close implements session.Handle.
func (h *Handle) Close() error {
	h.markStale()
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = h.conn.Close()
	})
	return err
}

func (h *Handle) request(ctx context.Context, f frame) error {
	f.ID = uuid.NewString()
	ack := make(chan error, 1)

	h.mu.Lock()
	if h.stale {
		h.mu.Unlock()
		return common.ErrStaleHandle
	}
	h.pending[f.ID] = ack
	h.mu.Unlock()

	if err := h.write(ctx, f); err != nil {
		h.forget(f.ID)
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		h.forget(f.ID)
		return ctx.Err()
	case <-h.done:
		return common.ErrStaleHandle
	}
}

func (h *Handle) write(ctx context.Context, f frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return common.WrapPermanent(fmt.Errorf("bridge: encode %s: %w", f.Type, err))
	}

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if err := h.conn.SetWriteDeadline(deadline); err != nil {
		return common.WrapTransient(fmt.Errorf("bridge: set write deadline: %w", err))
	}
	if err := h.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		h.markStale()
		return fmt.Errorf("bridge: write %s: %w", f.Type, common.ErrStaleHandle)
	}
	return nil
}

func (h *Handle) forget(id string) {
	h.mu.Lock()
	delete(h.pending, id)
	h.mu.Unlock()
}

func (h *Handle) resolve(id, errText string) {
	h.mu.Lock()
	ack, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	if errText != "" {
		ack <- common.WrapTransient(errors.New(errText))
		return
	}
	ack <- nil
}

// markStale fails every pending send and rejects future ones.
func (h *Handle) markStale() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stale {
		return
	}
	h.stale = true
	for id, ack := range h.pending {
		ack <- common.ErrStaleHandle
		delete(h.pending, id)
	}
}

func (h *Handle) emit(ev session.Event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

func (h *Handle) readLoop() {
	defer close(h.events)
	defer func() { _ = h.Close() }()

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.done:
			default:
				h.markStale()
				h.emit(session.Event{Kind: session.EventClosed, Reason: closeReasonFromError(err)})
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.logger.Warn().Err(err).Msg("bridge: discarding malformed frame")
			continue
		}

		if f.Type == frameAck {
			h.resolve(f.ID, f.Error)
			continue
		}

		ev, ok, err := f.toEvent(h.identity)
		if err != nil {
			h.logger.Warn().Err(err).Str("frame", f.Type).Msg("bridge: discarding frame")
			continue
		}
		if !ok {
			continue
		}
		if ev.Kind == session.EventClosed {
			h.markStale()
			h.emit(ev)
			return
		}
		h.emit(ev)
	}
}

func closeReasonFromError(err error) session.CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code := ce.Code
		msg := ce.Text
		if msg == "" {
			msg = fmt.Sprintf("websocket closed (%d)", ce.Code)
		}
		return session.CloseReason{Code: &code, Message: msg}
	}
	return session.CloseReason{Message: err.Error()}
}
