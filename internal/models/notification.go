package models

import "time"

// FailureClass identifies an independently tracked outage category.
type FailureClass string

const (
	FailureConnection FailureClass = "connection"
	FailureWebhook    FailureClass = "webhook"
)

// MaxDiagnosticChars bounds the diagnostic detail attached to a notification.
const MaxDiagnosticChars = 4000

// OutageFlag is the process-wide outage state for one failure class.
type OutageFlag struct {
	Class          FailureClass `json:"class"`
	Active         bool         `json:"active"`
	Since          time.Time    `json:"since,omitempty"`
	LastNotifiedAt time.Time    `json:"last_notified_at,omitempty"`
}

// Notification is the structured payload handed to the notification channel.
type Notification struct {
	ID         string       `json:"id"`
	Class      FailureClass `json:"class"`
	Label      string       `json:"label"`
	Message    string       `json:"message"`
	StatusCode *int         `json:"status_code"`
	Timestamp  time.Time    `json:"timestamp"`
	Detail     string       `json:"detail,omitempty"`
	Recovery   bool         `json:"recovery"`
}

// FailureReport describes one observed failure. Label is a short reason such
// as "Webhook timeout"; Detail carries diagnostics and is truncated before
// delivery.
type FailureReport struct {
	Label      string
	Message    string
	StatusCode *int
	Detail     string
}
