// Package events publishes domain events when a pending payment reaches a
// terminal state, so UIs and other observers can react without polling.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/vitwit/x402-approvals/types"
)

type Type string

const (
	PaymentCompleted Type = "payment.completed"
	PaymentFailed    Type = "payment.failed"
	PaymentRejected  Type = "payment.rejected"
	PaymentExpired   Type = "payment.expired"
)

// TypeFor maps a terminal status to its event type.
func TypeFor(status types.PaymentStatus) Type {
	switch status {
	case types.StatusCompleted:
		return PaymentCompleted
	case types.StatusFailed:
		return PaymentFailed
	case types.StatusRejected:
		return PaymentRejected
	default:
		return PaymentExpired
	}
}

type Event struct {
	Type       Type                `json:"type"`
	PaymentID  string              `json:"paymentId"`
	UserID     string              `json:"userId"`
	ChainID    int64               `json:"chainId"`
	Status     types.PaymentStatus `json:"status"`
	TxHash     string              `json:"txHash,omitempty"`
	HTTPStatus int                 `json:"httpStatus,omitempty"`
	OccurredAt time.Time           `json:"occurredAt"`
}

// Publisher delivers events. Delivery failures never roll back the transition.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
