package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/types"
)

const paymentColumns = `
	id, user_id, chain_id, target_url, method, request_headers, request_body,
	payment_requirements, amount, amount_raw, asset, status, expires_at,
	signature, response_payload, response_status, tx_hash, error_message,
	created_at, updated_at`

// Payments is the PostgreSQL PendingPaymentStore.
type Payments struct {
	pool *pgxpool.Pool
}

var _ store.PendingPaymentStore = (*Payments)(nil)

func (s *Payments) Create(ctx context.Context, p *types.PendingPayment) error {
	if err := store.CheckNewPayment(p); err != nil {
		return err
	}
	headers, err := json.Marshal(p.RequestHeaders)
	if err != nil {
		return fmt.Errorf("encode headers: %w", err)
	}
	if p.RequestHeaders == nil {
		headers = []byte("{}")
	}
	createdAt := p.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pending_payments (
			id, user_id, chain_id, target_url, method, request_headers, request_body,
			payment_requirements, amount, amount_raw, asset, status, expires_at,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
	`,
		p.ID,
		p.UserID,
		p.ChainID,
		p.TargetURL,
		p.Method,
		headers,
		p.RequestBody,
		string(p.PaymentRequirements),
		p.Amount,
		p.AmountRaw,
		p.Asset,
		string(p.Status),
		p.ExpiresAt,
		createdAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return types.NewError(types.ErrInvalidPayload, "payment %s already exists", p.ID)
	}
	return err
}

func (s *Payments) FindByIDForUser(ctx context.Context, id, userID string) (*types.PendingPayment, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM pending_payments WHERE id=$1 AND user_id=$2`, id, userID)
	p, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.NotFound(id)
	}
	return p, err
}

func (s *Payments) ListByUser(ctx context.Context, userID string, filter store.ListFilter) ([]*types.PendingPayment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+paymentColumns+`
		FROM pending_payments
		WHERE user_id=$1 AND ($2::text = '' OR status=$2::text)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, string(filter.Status), filter.EffectiveLimit())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PendingPayment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateStatusIf is the only write path after creation. The WHERE clause on
// status makes concurrent writers race on the row lock; exactly one sees a row affected.
func (s *Payments) UpdateStatusIf(ctx context.Context, id, userID string, expected types.PaymentStatus, update types.StatusUpdate) error {
	if err := store.CheckTransition(expected, update); err != nil {
		return err
	}

	res, err := s.pool.Exec(ctx, `
		UPDATE pending_payments
		SET status=$4,
			signature=COALESCE($5, signature),
			response_payload=COALESCE($6, response_payload),
			response_status=COALESCE($7, response_status),
			tx_hash=COALESCE($8, tx_hash),
			error_message=COALESCE($9, error_message),
			updated_at=now()
		WHERE id=$1 AND user_id=$2 AND status=$3
	`,
		id,
		userID,
		string(expected),
		string(update.Status),
		update.Signature,
		update.ResponsePayload,
		update.ResponseStatus,
		update.TxHash,
		update.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if res.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pending_payments WHERE id=$1 AND user_id=$2)`, id, userID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.NotFound(id)
	}
	return store.AlreadyProcessed(id, expected)
}

func (s *Payments) ExpireOverdue(ctx context.Context, now time.Time) ([]*types.PendingPayment, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE pending_payments
		SET status='expired', updated_at=now()
		WHERE status='pending' AND expires_at < $1
		RETURNING id, user_id, chain_id, target_url, expires_at
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.PendingPayment
	for rows.Next() {
		p := &types.PendingPayment{Status: types.StatusExpired}
		if err := rows.Scan(&p.ID, &p.UserID, &p.ChainID, &p.TargetURL, &p.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*types.PendingPayment, error) {
	var p types.PendingPayment
	var headers []byte
	var requirements, status string
	var requestBody, amount, amountRaw, asset sql.NullString
	var signature, responsePayload, txHash, errorMessage sql.NullString
	var responseStatus sql.NullInt32

	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.ChainID,
		&p.TargetURL,
		&p.Method,
		&headers,
		&requestBody,
		&requirements,
		&amount,
		&amountRaw,
		&asset,
		&status,
		&p.ExpiresAt,
		&signature,
		&responsePayload,
		&responseStatus,
		&txHash,
		&errorMessage,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &p.RequestHeaders); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", p.ID, err)
		}
	}
	p.PaymentRequirements = json.RawMessage(requirements)
	p.Status = types.PaymentStatus(status)
	p.RequestBody = nullString(requestBody)
	p.Amount = nullString(amount)
	p.AmountRaw = nullString(amountRaw)
	p.Asset = nullString(asset)
	p.Signature = nullString(signature)
	p.ResponsePayload = nullString(responsePayload)
	p.TxHash = nullString(txHash)
	p.ErrorMessage = nullString(errorMessage)
	if responseStatus.Valid {
		v := int(responseStatus.Int32)
		p.ResponseStatus = &v
	}
	return &p, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return &v.String
}
