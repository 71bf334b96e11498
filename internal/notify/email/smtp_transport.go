package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/config"
)

// SMTPOption configures the SMTP transport.
type SMTPOption func(*SMTPTransport)

// WithSMTPTLSConfig overrides the TLS configuration used for STARTTLS. A nil
// config disables STARTTLS.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(t *SMTPTransport) {
		t.tlsConfig = cfg
	}
}

// WithSMTPDialer swaps the dialer used to reach the server.
func WithSMTPDialer(d Dialer) SMTPOption {
	return func(t *SMTPTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithSMTPClock replaces the clock used for Date headers and timestamps.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(t *SMTPTransport) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSMTPHelloName customises the EHLO identity.
func WithSMTPHelloName(name string) SMTPOption {
	return func(t *SMTPTransport) {
		if strings.TrimSpace(name) != "" {
			t.helloName = strings.TrimSpace(name)
		}
	}
}

// Dialer abstracts net.Dialer for tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// SMTPTransport delivers alert emails through an SMTP relay.
type SMTPTransport struct {
	logger    zerolog.Logger
	host      string
	port      int
	from      string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// NewSMTPTransport validates cfg and constructs an SMTP transport.
func NewSMTPTransport(cfg config.SMTPConfig, logger zerolog.Logger, opts ...SMTPOption) (*SMTPTransport, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.From) == "" {
		return nil, errors.New("smtp: from address is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	t := &SMTPTransport{
		logger:    logger,
		host:      cfg.Host,
		port:      cfg.Port,
		from:      strings.TrimSpace(cfg.From),
		dialer:    &net.Dialer{Timeout: 30 * time.Second},
		now:       time.Now,
		helloName: "localhost",
		tlsConfig: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
	if strings.TrimSpace(cfg.User) != "" {
		t.auth = smtp.PlainAuth("", cfg.User, cfg.Pass, cfg.Host)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t, nil
}

// Send implements Transport.
func (t *SMTPTransport) Send(ctx context.Context, payload *Payload) (*RawResponse, error) {
	if payload == nil {
		return nil, errors.New("smtp: payload is required")
	}

	from := strings.TrimSpace(payload.From)
	if from == "" {
		from = t.from
	}
	envelopeFrom, err := envelopeAddress(from)
	if err != nil {
		return nil, fmt.Errorf("smtp: invalid from address: %w", err)
	}

	recipients := make([]string, 0, len(payload.To))
	seen := make(map[string]struct{}, len(payload.To))
	for _, raw := range payload.To {
		addr, err := envelopeAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("smtp: invalid recipient: %w", err)
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		recipients = append(recipients, addr)
	}
	if len(recipients) == 0 {
		return nil, errors.New("smtp: at least one recipient is required")
	}

	resp := &RawResponse{ID: payload.MessageID, Timestamp: t.now()}
	if err := t.deliver(ctx, envelopeFrom, recipients, t.buildMessage(payload, from)); err != nil {
		resp.Code, resp.Body = classifySMTPError(err)
		if resp.Body == "" {
			resp.Body = err.Error()
		}
		return resp, err
	}

	resp.Code = 250
	resp.Body = "smtp: message accepted"
	t.logger.Debug().Str("message_id", payload.MessageID).Int("recipients", len(recipients)).Msg("smtp: alert delivered")
	return resp, nil
}

func (t *SMTPTransport) deliver(ctx context.Context, from string, recipients []string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := t.dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.host, strconv.Itoa(t.port)))
	if err != nil {
		return fmt.Errorf("smtp: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, t.host)
	if err != nil {
		return fmt.Errorf("smtp: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(t.helloName); err != nil {
		return fmt.Errorf("smtp: hello: %w", err)
	}
	if t.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(t.tlsConfig.Clone()); err != nil {
				return fmt.Errorf("smtp: starttls: %w", err)
			}
		}
	}
	if t.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(t.auth); err != nil {
				return fmt.Errorf("smtp: auth: %w", err)
			}
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp: rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: data close: %w", err)
	}
	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("smtp: quit: %w", err)
	}
	return ctx.Err()
}

func (t *SMTPTransport) buildMessage(payload *Payload, from string) []byte {
	headers := make(map[string]string, len(payload.Headers)+6)
	for key, value := range payload.Headers {
		canonical := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(key))
		if canonical == "" || strings.TrimSpace(value) == "" {
			continue
		}
		headers[canonical] = sanitizeHeaderValue(value)
	}
	headers["From"] = from
	headers["To"] = strings.Join(payload.To, ", ")
	headers["Date"] = t.now().UTC().Format(time.RFC1123Z)
	headers["Subject"] = sanitizeHeaderValue(payload.Subject)
	if payload.MessageID != "" {
		headers["Message-Id"] = "<" + sanitizeHeaderValue(payload.MessageID) + "@wa-gateway>"
	}
	headers["MIME-Version"] = "1.0"
	headers["Content-Type"] = "text/plain; charset=UTF-8"

	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		if headers[key] == "" {
			continue
		}
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(headers[key])
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(normalizeBody(payload.Body))
	return buf.Bytes()
}

func normalizeBody(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

func envelopeAddress(value string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(value))
	if err != nil {
		return "", err
	}
	return addr.Address, nil
}

func classifySMTPError(err error) (int, string) {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code, strings.TrimSpace(tpErr.Msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 0, "smtp: timeout"
	}
	return 0, ""
}
