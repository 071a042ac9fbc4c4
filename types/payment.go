package types

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the lifecycle state of a pending payment.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusApproved  PaymentStatus = "approved"
	StatusRejected  PaymentStatus = "rejected"
	StatusExpired   PaymentStatus = "expired"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition leaves s.
func (s PaymentStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// PendingPayment is a captured 402 challenge awaiting a human decision.
type PendingPayment struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	ChainID int64  `json:"chainId"`

	TargetURL           string            `json:"targetUrl"`
	Method              string            `json:"method"`
	RequestHeaders      map[string]string `json:"requestHeaders,omitempty"`
	RequestBody         *string           `json:"requestBody,omitempty"`
	PaymentRequirements json.RawMessage   `json:"paymentRequirements"`

	// Advisory only; the authoritative amount is re-derived at approval time.
	Amount    *string `json:"amount,omitempty"`
	AmountRaw *string `json:"amountRaw,omitempty"`
	Asset     *string `json:"asset,omitempty"`

	Status    PaymentStatus `json:"status"`
	ExpiresAt time.Time     `json:"expiresAt"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`

	Signature       *string `json:"signature,omitempty"`
	ResponsePayload *string `json:"responsePayload,omitempty"`
	ResponseStatus  *int    `json:"responseStatus,omitempty"`
	TxHash          *string `json:"txHash,omitempty"`
	ErrorMessage    *string `json:"errorMessage,omitempty"`
}

// Expired reports whether now is past the approval deadline.
func (p *PendingPayment) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// StatusUpdate carries the fields written together with a status transition.
// Nil fields are left untouched.
type StatusUpdate struct {
	Status          PaymentStatus
	Signature       *string
	ResponsePayload *string
	ResponseStatus  *int
	TxHash          *string
	ErrorMessage    *string
}

type TransactionKind string

const (
	KindPayment    TransactionKind = "payment"
	KindWithdrawal TransactionKind = "withdrawal"
)

type TransactionStatus string

const (
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is an append-only ledger row recording one settlement attempt.
type Transaction struct {
	ID             string            `json:"id"`
	UserID         string            `json:"userId"`
	PaymentID      *string           `json:"paymentId,omitempty"`
	Amount         string            `json:"amount"`
	AmountRaw      string            `json:"amountRaw"`
	Endpoint       string            `json:"endpoint"`
	Network        string            `json:"network"`
	ChainID        int64             `json:"chainId"`
	TxHash         *string           `json:"txHash,omitempty"`
	ResponseStatus *int              `json:"responseStatus,omitempty"`
	ErrorMessage   *string           `json:"errorMessage,omitempty"`
	Kind           TransactionKind   `json:"kind"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// ApprovalResult is the structured outcome of an approval once the payment
// has reached a terminal state. Truncated reports that the stored response
// body was cut at the size cap.
type ApprovalResult struct {
	PaymentID    string        `json:"paymentId"`
	Status       PaymentStatus `json:"status"`
	Success      bool          `json:"success"`
	HTTPStatus   int           `json:"httpStatus,omitempty"`
	ResponseData any           `json:"responseData,omitempty"`
	Truncated    bool          `json:"truncated,omitempty"`
	TxHash       string        `json:"txHash,omitempty"`
	ExplorerURL  string        `json:"explorerUrl,omitempty"`
	ErrorCode    string        `json:"errorCode,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type RejectResult struct {
	PaymentID string `json:"paymentId"`
	Success   bool   `json:"success"`
}
