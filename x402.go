// Package x402 is the pending-payment approval engine for the x402 protocol.
// An agent's 402 challenge is captured as a pending payment, a human approves
// or rejects it, and an approved payment is settled at most once by replaying
// the original request with a signed EIP-3009 authorization attached.
package x402

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-approvals/authorization"
	"github.com/vitwit/x402-approvals/chains"
	"github.com/vitwit/x402-approvals/events"
	"github.com/vitwit/x402-approvals/logger"
	"github.com/vitwit/x402-approvals/metrics"
	"github.com/vitwit/x402-approvals/requirements"
	"github.com/vitwit/x402-approvals/settlement"
	"github.com/vitwit/x402-approvals/signer"
	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/store/memory"
	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
)

// DefaultPaymentTTL is how long a captured payment waits for a decision.
const DefaultPaymentTTL = 15 * time.Minute

// CaptureRequest is a 402 challenge as seen by the interceptor.
type CaptureRequest struct {
	UserID              string            `json:"userId"`
	ChainID             int64             `json:"chainId"`
	TargetURL           string            `json:"targetUrl"`
	Method              string            `json:"method"`
	RequestHeaders      map[string]string `json:"requestHeaders,omitempty"`
	RequestBody         *string           `json:"requestBody,omitempty"`
	PaymentRequirements json.RawMessage   `json:"paymentRequirements"`
}

// Engine ties the store, the ledger and the settlement executor together.
type Engine struct {
	payments store.PendingPaymentStore
	ledger   store.Ledger
	executor *settlement.Executor
	builder  *authorization.Builder

	chains     *chains.Registry
	logger     logger.Logger
	metrics    metrics.Recorder
	publisher  events.Publisher
	verifier   signer.Verifier
	httpClient settlement.HTTPDoer
	timeout    time.Duration
	ttl        time.Duration
	validity   time.Duration
	now        func() time.Time
	closers    []func() error
}

// New creates an engine over the given store and ledger.
func New(payments store.PendingPaymentStore, ledger store.Ledger, opts ...Option) *Engine {
	e := &Engine{
		payments:   payments,
		ledger:     ledger,
		chains:     chains.New(),
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
		publisher:  events.NoopPublisher{},
		verifier:   signer.NoopVerifier{},
		httpClient: &http.Client{},
		timeout:    settlement.DefaultTimeout,
		ttl:        DefaultPaymentTTL,
		validity:   authorization.DefaultValidity,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.builder = authorization.NewBuilder(
		authorization.WithValidity(e.validity),
		authorization.WithClock(e.now),
	)
	e.executor = settlement.NewExecutor(payments, ledger, e.chains,
		settlement.WithHTTPClient(e.httpClient),
		settlement.WithTimeout(e.timeout),
		settlement.WithClock(e.now),
		settlement.WithLogger(e.logger),
		settlement.WithMetrics(e.metrics),
		settlement.WithPublisher(e.publisher),
		settlement.WithVerifier(e.verifier),
	)
	return e
}

// NewInMemory creates an engine backed by the in-process store.
func NewInMemory(opts ...Option) *Engine {
	return New(memory.NewPayments(), memory.NewLedger(), opts...)
}

// Capture records a new pending payment. The challenge is parsed once so the
// advisory amount and asset can be shown to the approver; approval re-derives
// both from the stored challenge.
func (e *Engine) Capture(ctx context.Context, req CaptureRequest) (*types.PendingPayment, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, types.NewError(types.ErrInvalidPayload, "userId is required")
	}
	if err := validateTarget(req.TargetURL); err != nil {
		return nil, err
	}

	chain, err := e.chains.Resolve(req.ChainID)
	if err != nil {
		return nil, err
	}
	if _, err := requirements.Parse(req.PaymentRequirements); err != nil {
		return nil, err
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	now := e.now().UTC()
	p := &types.PendingPayment{
		ID:                  uuid.NewString(),
		UserID:              req.UserID,
		ChainID:             chain.ChainID,
		TargetURL:           req.TargetURL,
		Method:              method,
		RequestHeaders:      req.RequestHeaders,
		RequestBody:         req.RequestBody,
		PaymentRequirements: req.PaymentRequirements,
		Status:              types.StatusPending,
		ExpiresAt:           now.Add(e.ttl),
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	if res, err := requirements.Resolve(req.PaymentRequirements, chain); err == nil {
		raw := res.Amount
		p.AmountRaw = &raw
		if display, err := utils.FormatBaseUnits(raw, chain.Asset.Decimals); err == nil {
			p.Amount = &display
		}
		asset := chain.Asset.Address
		if res.Requirement.Asset != "" {
			asset = res.Requirement.Asset
		}
		p.Asset = &asset
	} else {
		e.logger.Warn("captured challenge is not payable on chain", map[string]any{
			"chain_id": chain.ChainID,
			"error":    err,
		})
	}

	if err := e.payments.Create(ctx, p); err != nil {
		return nil, err
	}

	e.metrics.IncCounter(metrics.EventPaymentCaptured, map[string]string{"network": chain.CAIP2()})
	e.logger.Info("payment captured", map[string]any{
		"payment_id": p.ID,
		"user_id":    p.UserID,
		"chain_id":   p.ChainID,
		"target":     p.TargetURL,
		"expires_at": p.ExpiresAt,
	})
	return p, nil
}

// PrepareAuthorization returns the unsigned typed data payer must sign to
// approve the payment.
func (e *Engine) PrepareAuthorization(ctx context.Context, paymentID, userID, payer string) (*authorization.TypedData, error) {
	p, err := e.payments.FindByIDForUser(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != types.StatusPending {
		return nil, store.AlreadyProcessed(p.ID, types.StatusPending)
	}
	if p.Expired(e.now()) {
		if err := e.executor.Expire(ctx, p.ID, p.UserID); err != nil {
			return nil, err
		}
		return nil, types.NewError(types.ErrExpiredPayment, "payment %s expired", p.ID)
	}

	chain, err := e.chains.Resolve(p.ChainID)
	if err != nil {
		return nil, err
	}
	res, err := requirements.Resolve(p.PaymentRequirements, chain)
	if err != nil {
		return nil, err
	}
	return e.builder.Build(authorization.Params{From: payer, Chain: chain, Resolution: res})
}

// Approve settles a pending payment with a signed authorization.
func (e *Engine) Approve(ctx context.Context, req settlement.ApproveRequest) (*types.ApprovalResult, error) {
	return e.executor.Approve(ctx, req)
}

func (e *Engine) Reject(ctx context.Context, paymentID, userID string) (*types.RejectResult, error) {
	return e.executor.Reject(ctx, paymentID, userID)
}

func (e *Engine) Expire(ctx context.Context, paymentID, userID string) error {
	return e.executor.Expire(ctx, paymentID, userID)
}

func (e *Engine) Get(ctx context.Context, paymentID, userID string) (*types.PendingPayment, error) {
	return e.payments.FindByIDForUser(ctx, paymentID, userID)
}

func (e *Engine) List(ctx context.Context, userID string, filter store.ListFilter) ([]*types.PendingPayment, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, types.NewError(types.ErrInvalidPayload, "unknown status %q", filter.Status)
	}
	return e.payments.ListByUser(ctx, userID, filter)
}

// History lists the user's settlement attempts, newest first.
func (e *Engine) History(ctx context.Context, userID string, limit int) ([]*types.Transaction, error) {
	return e.ledger.ListByUser(ctx, userID, limit)
}

// ExpireOverdue expires every pending payment past its deadline. It is meant
// to be driven by an external scheduler.
func (e *Engine) ExpireOverdue(ctx context.Context) (int64, error) {
	return e.executor.ExpireOverdue(ctx)
}

// Supported lists the chains the engine can settle on.
func (e *Engine) Supported() []types.ChainConfig {
	return e.chains.Supported()
}

// Close releases resources handed to the engine.
func (e *Engine) Close() error {
	var first error
	if c, ok := e.publisher.(io.Closer); ok {
		first = c.Close()
	}
	for _, fn := range e.closers {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return types.NewError(types.ErrInvalidPayload, "targetUrl %q is not an absolute http(s) URL", target)
	}
	return nil
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 2
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	networks := make([]string, 0, 8)
	for _, c := range chains.New().Supported() {
		networks = append(networks, c.CAIP2(), c.Network.String())
	}
	return map[string]interface{}{
		"library_version":     Version,
		"protocol_version":    ProtocolVersion,
		"protocol_versions":   []int{int(types.X402Version1), int(types.X402Version2)},
		"supported_networks":  networks,
		"supported_schemes":   []string{string(types.SchemeExact)},
		"supported_standards": []string{"eip3009"},
	}
}
