// Package store defines the persistence primitives the settlement engine needs.
// Every state change goes through UpdateStatusIf, a single conditional write
// keyed on the current status.
package store

import (
	"context"
	"time"

	"github.com/vitwit/x402-approvals/types"
)

const DefaultListLimit = 50

// ListFilter narrows ListByUser. A zero Status lists every status.
type ListFilter struct {
	Status types.PaymentStatus
	Limit  int
}

func (f ListFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return DefaultListLimit
	}
	return f.Limit
}

// PendingPaymentStore is the durable record of captured challenges.
type PendingPaymentStore interface {
	Create(ctx context.Context, p *types.PendingPayment) error
	FindByIDForUser(ctx context.Context, id, userID string) (*types.PendingPayment, error)
	ListByUser(ctx context.Context, userID string, filter ListFilter) ([]*types.PendingPayment, error)
	// UpdateStatusIf applies update only if the record is owned by userID and
	// currently in expected. A lost race yields ALREADY_PROCESSED.
	UpdateStatusIf(ctx context.Context, id, userID string, expected types.PaymentStatus, update types.StatusUpdate) error
	// ExpireOverdue moves every pending record past its deadline to expired
	// and returns the records it moved.
	ExpireOverdue(ctx context.Context, now time.Time) ([]*types.PendingPayment, error)
}

// Ledger is the append-only audit trail of settlement attempts.
type Ledger interface {
	Insert(ctx context.Context, tx *types.Transaction) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*types.Transaction, error)
}

// CheckTransition rejects updates that do not follow an edge of the lifecycle graph.
func CheckTransition(expected types.PaymentStatus, update types.StatusUpdate) error {
	if !types.CanTransition(expected, update.Status) {
		return types.NewError(types.ErrInvalidTransition, "illegal transition %s -> %s", expected, update.Status)
	}
	return nil
}

func NotFound(id string) error {
	return types.NewError(types.ErrPaymentNotFound, "payment %s not found", id)
}

func AlreadyProcessed(id string, expected types.PaymentStatus) error {
	return &types.X402Error{
		Code:    types.ErrAlreadyProcessed,
		Message: "payment " + id + " already processed",
		Data:    map[string]string{"expected": string(expected)},
	}
}

// CheckNewPayment validates a record before it is first persisted.
func CheckNewPayment(p *types.PendingPayment) error {
	switch {
	case p.ID == "":
		return types.NewError(types.ErrInvalidPayload, "payment id is required")
	case p.UserID == "":
		return types.NewError(types.ErrInvalidPayload, "user id is required")
	case p.Status != types.StatusPending:
		return types.NewError(types.ErrInvalidPayload, "new payments must be pending, got %s", p.Status)
	case p.ExpiresAt.IsZero():
		return types.NewError(types.ErrInvalidPayload, "expiresAt is required")
	}
	return nil
}
