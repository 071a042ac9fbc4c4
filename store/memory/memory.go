// Package memory is an in-process store used by tests and single-node setups.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/types"
)

type Payments struct {
	mu       sync.Mutex
	payments map[string]*types.PendingPayment
}

func NewPayments() *Payments {
	return &Payments{payments: make(map[string]*types.PendingPayment)}
}

func clonePayment(p *types.PendingPayment) *types.PendingPayment {
	c := *p
	if p.RequestHeaders != nil {
		c.RequestHeaders = make(map[string]string, len(p.RequestHeaders))
		for k, v := range p.RequestHeaders {
			c.RequestHeaders[k] = v
		}
	}
	c.PaymentRequirements = append([]byte(nil), p.PaymentRequirements...)
	return &c
}

func (m *Payments) Create(_ context.Context, p *types.PendingPayment) error {
	if err := store.CheckNewPayment(p); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.ID]; exists {
		return types.NewError(types.ErrInvalidPayload, "payment %s already exists", p.ID)
	}
	c := clonePayment(p)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = c.CreatedAt
	m.payments[p.ID] = c
	return nil
}

func (m *Payments) FindByIDForUser(_ context.Context, id, userID string) (*types.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.UserID != userID {
		return nil, store.NotFound(id)
	}
	return clonePayment(p), nil
}

func (m *Payments) ListByUser(_ context.Context, userID string, filter store.ListFilter) ([]*types.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.PendingPayment
	for _, p := range m.payments {
		if p.UserID != userID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := filter.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Payments) UpdateStatusIf(_ context.Context, id, userID string, expected types.PaymentStatus, update types.StatusUpdate) error {
	if err := store.CheckTransition(expected, update); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[id]
	if !ok || p.UserID != userID {
		return store.NotFound(id)
	}
	if p.Status != expected {
		return store.AlreadyProcessed(id, expected)
	}

	p.Status = update.Status
	if update.Signature != nil {
		p.Signature = update.Signature
	}
	if update.ResponsePayload != nil {
		p.ResponsePayload = update.ResponsePayload
	}
	if update.ResponseStatus != nil {
		p.ResponseStatus = update.ResponseStatus
	}
	if update.TxHash != nil {
		p.TxHash = update.TxHash
	}
	if update.ErrorMessage != nil {
		p.ErrorMessage = update.ErrorMessage
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Payments) ExpireOverdue(_ context.Context, now time.Time) ([]*types.PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*types.PendingPayment
	for _, p := range m.payments {
		if p.Status == types.StatusPending && p.Expired(now) {
			p.Status = types.StatusExpired
			p.UpdatedAt = now
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

type Ledger struct {
	mu   sync.Mutex
	rows []*types.Transaction
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Insert(_ context.Context, tx *types.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := *tx
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	l.rows = append(l.rows, &c)
	return nil
}

func (l *Ledger) ListByUser(_ context.Context, userID string, limit int) ([]*types.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var out []*types.Transaction
	for i := len(l.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if l.rows[i].UserID == userID {
			c := *l.rows[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

// Len reports the number of rows, across users.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}
