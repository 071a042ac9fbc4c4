package postgres

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/types"
)

// Ledger is the PostgreSQL TransactionLedger. Rows are inserted, never updated.
type Ledger struct {
	pool *pgxpool.Pool
}

var _ store.Ledger = (*Ledger)(nil)

func (l *Ledger) Insert(ctx context.Context, tx *types.Transaction) error {
	_, err := l.pool.Exec(ctx, `
		INSERT INTO transactions (
			id, user_id, payment_id, amount, amount_raw, endpoint, network,
			chain_id, tx_hash, response_status, error_message, kind, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		tx.ID,
		tx.UserID,
		tx.PaymentID,
		tx.Amount,
		tx.AmountRaw,
		tx.Endpoint,
		tx.Network,
		tx.ChainID,
		tx.TxHash,
		tx.ResponseStatus,
		tx.ErrorMessage,
		string(tx.Kind),
		string(tx.Status),
	)
	return err
}

func (l *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]*types.Transaction, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	rows, err := l.pool.Query(ctx, `
		SELECT id, user_id, payment_id, amount, amount_raw, endpoint, network,
			chain_id, tx_hash, response_status, error_message, kind, status, created_at
		FROM transactions
		WHERE user_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Transaction
	for rows.Next() {
		var tx types.Transaction
		var kind, status string
		var paymentID, txHash, errorMessage sql.NullString
		var responseStatus sql.NullInt32
		if err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&paymentID,
			&tx.Amount,
			&tx.AmountRaw,
			&tx.Endpoint,
			&tx.Network,
			&tx.ChainID,
			&txHash,
			&responseStatus,
			&errorMessage,
			&kind,
			&status,
			&tx.CreatedAt,
		); err != nil {
			return nil, err
		}
		tx.Kind = types.TransactionKind(kind)
		tx.Status = types.TransactionStatus(status)
		tx.PaymentID = nullString(paymentID)
		tx.TxHash = nullString(txHash)
		tx.ErrorMessage = nullString(errorMessage)
		if responseStatus.Valid {
			v := int(responseStatus.Int32)
			tx.ResponseStatus = &v
		}
		out = append(out, &tx)
	}
	return out, rows.Err()
}
