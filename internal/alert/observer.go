package alert

import (
	"fmt"

	"github.com/example/wa-gateway/internal/models"
	"github.com/example/wa-gateway/internal/session"
)

// SessionObserver feeds session lifecycle transitions into a Coordinator as
// connection failures and recoveries.
type SessionObserver struct {
	c *Coordinator
}

var _ session.Observer = SessionObserver{}

// SessionObserver returns an observer bound to c.
func (c *Coordinator) SessionObserver() SessionObserver {
	return SessionObserver{c: c}
}

// SessionOpened implements session.Observer.
func (o SessionObserver) SessionOpened(string) {
	o.c.ReportSuccess(models.FailureConnection)
}

// SessionClosed implements session.Observer.
func (o SessionObserver) SessionClosed(identity string, reason session.CloseReason) {
	label := "Connection closed"
	if reason.LoggedOut() {
		label = "Session logged out"
	}
	o.c.ReportFailure(models.FailureConnection, models.FailureReport{
		Label:      label,
		Message:    fmt.Sprintf("session %s closed: %s", identity, reason.Message),
		StatusCode: reason.Code,
	})
}

// SessionSetupFailed implements session.Observer.
func (o SessionObserver) SessionSetupFailed(identity string, err error) {
	o.c.ReportFailure(models.FailureConnection, models.FailureReport{
		Label:   "Session setup failed",
		Message: fmt.Sprintf("session %s could not be created", identity),
		Detail:  err.Error(),
	})
}
