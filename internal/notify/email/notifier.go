package email

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/wa-gateway/internal/common"
	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/util"
)

// Notifier renders outage notifications into plain-text emails.
type Notifier struct {
	transport Transport
	to        []string
	logger    zerolog.Logger
}

// NewNotifier constructs a Notifier that mails every notification to to.
func NewNotifier(transport Transport, to []string, logger zerolog.Logger) (*Notifier, error) {
	if transport == nil {
		return nil, errors.New("email notifier: transport is required")
	}
	var recipients []string
	for _, addr := range to {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	if len(recipients) == 0 {
		return nil, errors.New("email notifier: at least one recipient is required")
	}
	recipients, err := util.NormalizeEmails(recipients, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("email notifier: recipients: %w", err)
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Notifier{transport: transport, to: recipients, logger: logger}, nil
}

// Notify delivers n. Transport failures are returned to the caller.
func (n *Notifier) Notify(ctx context.Context, note models.Notification) error {
	payload := Render(note)
	payload.To = append([]string(nil), n.to...)

	resp, err := n.transport.Send(ctx, payload)
	if err != nil {
		code := 0
		if resp != nil {
			code = resp.Code
		}
		n.logger.Error().Err(err).Int("code", code).Str("notification_id", note.ID).Msg("email notifier: delivery failed")
		return fmt.Errorf("email notifier: send: %w", err)
	}
	return nil
}

// Render converts a notification into an email payload without recipients.
func Render(note models.Notification) *Payload {
	var body strings.Builder
	body.WriteString(note.Message)
	body.WriteString("\n\n")
	fmt.Fprintf(&body, "Class:     %s\n", note.Class)
	if note.StatusCode != nil {
		fmt.Fprintf(&body, "Status:    %d\n", *note.StatusCode)
	} else {
		body.WriteString("Status:    n/a\n")
	}
	fmt.Fprintf(&body, "Timestamp: %s\n", note.Timestamp.UTC().Format(time.RFC3339))
	if note.Recovery {
		body.WriteString("Recovery:  yes\n")
	}
	if detail := common.TruncateRaw(note.Detail, models.MaxDiagnosticChars); detail != "" {
		body.WriteString("\nDetail:\n")
		body.WriteString(detail)
		body.WriteString("\n")
	}

	return &Payload{
		MessageID: note.ID,
		Subject:   fmt.Sprintf("[%s] %s", note.Class, note.Label),
		Body:      body.String(),
	}
}
