package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/session"
)

// FactoryOption customizes a Factory.
type FactoryOption func(*Factory)

// WithHandshakeTimeout bounds the websocket handshake.
func WithHandshakeTimeout(d time.Duration) FactoryOption {
	return func(f *Factory) {
		if d > 0 {
			f.dialer.HandshakeTimeout = d
		}
	}
}

// WithHeader adds a header to every handshake, e.g. an auth token.
func WithHeader(key, value string) FactoryOption {
	return func(f *Factory) {
		f.header.Set(key, value)
	}
}

// Factory dials the protocol sidecar and returns a fresh Handle per call.
type Factory struct {
	endpoint *url.URL
	dialer   websocket.Dialer
	header   http.Header
	logger   zerolog.Logger
}

var _ session.Factory = (*Factory)(nil)

// NewFactory validates the sidecar URL. http(s) schemes are mapped to ws(s).
func NewFactory(rawURL string, logger zerolog.Logger, opts ...FactoryOption) (*Factory, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, errors.New("bridge: url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("bridge: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("bridge: unsupported url scheme %q", u.Scheme)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	f := &Factory{
		endpoint: u,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		header: http.Header{},
		logger: logger.With().Str("component", "bridge").Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f, nil
}

// New implements session.Factory.
func (f *Factory) New(ctx context.Context, identity, authDir string) (session.Handle, error) {
	u := *f.endpoint
	q := u.Query()
	q.Set("session", identity)
	if authDir != "" {
		q.Set("auth_dir", authDir)
	}
	u.RawQuery = q.Encode()

	conn, resp, err := f.dialer.DialContext(ctx, u.String(), f.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, common.WrapTransient(fmt.Errorf("bridge: dial %s: status %d: %w", f.endpoint.Host, resp.StatusCode, err))
		}
		return nil, common.WrapTransient(fmt.Errorf("bridge: dial %s: %w", f.endpoint.Host, err))
	}

	f.logger.Debug().Str("session", identity).Msg("bridge: connected to sidecar")
	return newHandle(identity, conn, f.logger.With().Str("session", identity).Logger()), nil
}
