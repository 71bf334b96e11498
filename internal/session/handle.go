package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/example/wa-gateway/internal/models"
)

// LoggedOutCode is the closure code the messaging network uses when the
// account was explicitly logged out. Such closures are terminal.
const LoggedOutCode = 401

// EventKind enumerates the events a Handle may emit.
type EventKind int

const (
	EventOpened EventKind = iota + 1
	EventClosed
	EventQR
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventClosed:
		return "closed"
	case EventQR:
		return "qr"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// CloseReason describes why a transport connection closed.
type CloseReason struct {
	Code    *int   `json:"code,omitempty"`
	Message string `json:"message"`
}

// LoggedOut reports whether the closure is the terminal "logged out" reason.
func (r CloseReason) LoggedOut() bool {
	if r.Code != nil && *r.Code == LoggedOutCode {
		return true
	}
	return strings.Contains(strings.ToLower(r.Message), "logged out")
}

func (r CloseReason) String() string {
	if r.Code == nil {
		return r.Message
	}
	return fmt.Sprintf("%d: %s", *r.Code, r.Message)
}

// Event is a single notification emitted by a Handle.
type Event struct {
	Kind   EventKind
	Reason CloseReason
	QR     string
	Unit   models.InboundUnit
}

// Handle is an authenticated transport connection. A Handle must close its
// Events channel once it is closed or the transport fails, and every send on
// a closed Handle must fail with common.ErrStaleHandle. Close is idempotent.
type Handle interface {
	Events() <-chan Event
	SendText(ctx context.Context, to, text string) error
	SendMedia(ctx context.Context, to string, media models.OutboundMedia) error
	SendLocation(ctx context.Context, to string, loc models.Location) error
	SendPresence(ctx context.Context, to string, presence models.Presence) error
	Close() error
}

// Factory creates a fresh Handle for a session identity.
type Factory interface {
	New(ctx context.Context, identity, authDir string) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context, identity, authDir string) (Handle, error)

// New implements Factory.
func (f FactoryFunc) New(ctx context.Context, identity, authDir string) (Handle, error) {
	return f(ctx, identity, authDir)
}
