package email

import (
	"context"
	"time"
)

// Payload is a rendered alert email.
type Payload struct {
	MessageID string
	From      string
	To        []string
	Subject   string
	Body      string
	Headers   map[string]string
}

// RawResponse is the low level result of a transport delivery.
type RawResponse struct {
	ID        string
	Code      int
	Body      string
	Timestamp time.Time
}

// Transport delivers a rendered Payload.
type Transport interface {
	Send(ctx context.Context, payload *Payload) (*RawResponse, error)
}
