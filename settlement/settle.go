// Package settlement drives a pending payment from a human decision to a
// terminal state: it claims the payment, replays the captured request with a
// payment proof attached and records the outcome.
package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vitwit/x402-approvals/authorization"
	"github.com/vitwit/x402-approvals/chains"
	"github.com/vitwit/x402-approvals/events"
	"github.com/vitwit/x402-approvals/logger"
	"github.com/vitwit/x402-approvals/metrics"
	"github.com/vitwit/x402-approvals/requirements"
	"github.com/vitwit/x402-approvals/signer"
	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
)

const (
	DefaultTimeout = 30 * time.Second

	// MaxStoredBody caps the upstream response kept on the payment record.
	MaxStoredBody = 1 << 20

	// maxScannedBody bounds how much of a response is read to find the
	// settlement hash.
	maxScannedBody = 8 << 20

	maxErrorBody = 512
)

var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Host":                {},
	"Content-Length":      {},
}

// HTTPDoer is the subset of *http.Client the executor replays requests with.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ApproveRequest carries the payer's signed authorization for a pending payment.
type ApproveRequest struct {
	PaymentID     string                     `json:"paymentId"`
	UserID        string                     `json:"userId"`
	Signature     string                     `json:"signature"`
	Authorization types.EIP3009Authorization `json:"authorization"`
}

type Option func(*Executor)

func WithHTTPClient(c HTTPDoer) Option {
	return func(e *Executor) {
		if c != nil {
			e.client = c
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.log = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(e *Executor) {
		if m != nil {
			e.metrics = m
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Executor) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithVerifier(v signer.Verifier) Option {
	return func(e *Executor) {
		if v != nil {
			e.verifier = v
		}
	}
}

// Executor settles pending payments. It holds no locks: mutual exclusion
// between concurrent approvals comes from the store's conditional writes.
type Executor struct {
	payments store.PendingPaymentStore
	ledger   store.Ledger
	chains   *chains.Registry

	client    HTTPDoer
	timeout   time.Duration
	now       func() time.Time
	verifier  signer.Verifier
	publisher events.Publisher
	log       logger.Logger
	metrics   metrics.Recorder
}

func NewExecutor(payments store.PendingPaymentStore, ledger store.Ledger, registry *chains.Registry, opts ...Option) *Executor {
	e := &Executor{
		payments:  payments,
		ledger:    ledger,
		chains:    registry,
		client:    &http.Client{},
		timeout:   DefaultTimeout,
		now:       time.Now,
		verifier:  signer.NoopVerifier{},
		publisher: events.NoopPublisher{},
		log:       logger.NoopLogger{},
		metrics:   metrics.NoopRecorder{},
	}
	if e.chains == nil {
		e.chains = chains.New()
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// outcome is what a dispatch produced, before it is persisted.
type outcome struct {
	status     types.PaymentStatus
	httpStatus int
	body       []byte
	txHash     string
	truncated  bool
	errCode    string
	errMsg     string
}

// Approve settles a pending payment with the payer's signed authorization.
// Every check runs before the first write; only the caller that wins the
// pending -> approved claim replays the request.
func (e *Executor) Approve(ctx context.Context, req ApproveRequest) (*types.ApprovalResult, error) {
	log := e.log.With(map[string]any{"payment_id": req.PaymentID, "user_id": req.UserID})

	p, err := e.payments.FindByIDForUser(ctx, req.PaymentID, req.UserID)
	if err != nil {
		return nil, err
	}
	if p.Status != types.StatusPending {
		return nil, store.AlreadyProcessed(p.ID, types.StatusPending)
	}

	now := e.now()
	if p.Expired(now) {
		if err := e.expire(ctx, p); err != nil {
			return nil, err
		}
		return nil, types.NewError(types.ErrExpiredPayment, "payment %s expired at %s", p.ID, p.ExpiresAt.UTC().Format(time.RFC3339))
	}

	chain, err := e.chains.Resolve(p.ChainID)
	if err != nil {
		return nil, err
	}
	network := map[string]string{"network": chain.CAIP2()}

	res, err := requirements.Resolve(p.PaymentRequirements, chain)
	if err != nil {
		return nil, err
	}
	if res.Fallback {
		log.Warn("no requirement matches chain, using first entry", map[string]any{
			"chain_id": chain.ChainID,
			"network":  res.Requirement.Network,
		})
		e.metrics.IncCounter(metrics.EventRequirementFallback, network)
	}

	if err := authorization.Check(req.Authorization, res, now); err != nil {
		return nil, err
	}
	if err := e.verifier.Verify(authorization.Domain(chain, res.Requirement), req.Authorization, req.Signature); err != nil {
		return nil, err
	}

	payload, err := BuildPaymentPayload(res, req.Authorization, req.Signature)
	if err != nil {
		return nil, err
	}
	proof, err := EncodeProofHeaders(payload)
	if err != nil {
		return nil, err
	}
	httpReq, err := newReplayRequest(ctx, p, proof)
	if err != nil {
		return nil, err
	}

	signature := req.Signature
	claim := types.StatusUpdate{Status: types.StatusApproved, Signature: &signature}
	if err := e.payments.UpdateStatusIf(ctx, p.ID, p.UserID, types.StatusPending, claim); err != nil {
		if types.IsCode(err, types.ErrAlreadyProcessed) {
			e.metrics.IncCounter(metrics.EventApprovalConflict, network)
			log.Info("approval lost claim race", nil)
		}
		return nil, err
	}
	e.metrics.IncCounter(metrics.EventApprovalClaimed, network)
	log.Info("approval claimed, replaying request", map[string]any{
		"method":  httpReq.Method,
		"url":     p.TargetURL,
		"amount":  res.Amount,
		"version": payload.X402Version,
	})

	out := e.dispatch(ctx, httpReq, network)
	return e.finish(context.WithoutCancel(ctx), log, p, chain, res, out)
}

func (e *Executor) dispatch(ctx context.Context, req *http.Request, labels map[string]string) outcome {
	replayCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.Do(req.WithContext(replayCtx))
	e.metrics.ObserveLatency(metrics.OpSettlementReplay, time.Since(start), labels)
	if err != nil {
		return outcome{
			status:  types.StatusFailed,
			errCode: types.ErrNetworkError,
			errMsg:  "network_error: " + err.Error(),
		}
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxScannedBody))

	out := outcome{
		httpStatus: resp.StatusCode,
		body:       body,
		txHash:     ExtractTxHash(resp.Header, body),
	}
	if len(body) > MaxStoredBody {
		out.body = body[:MaxStoredBody]
		out.truncated = true
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.status = types.StatusCompleted
		return out
	}

	out.status = types.StatusFailed
	out.errCode = types.ErrUpstreamRejected
	out.errMsg = fmt.Sprintf("upstream returned %d: %s", resp.StatusCode, utils.Truncate(utils.SanitizeText(string(out.body)), maxErrorBody))
	if readErr != nil {
		out.errMsg += " (body read: " + utils.SanitizeText(readErr.Error()) + ")"
	}
	return out
}

// finish writes the ledger row, then the terminal state. A failed terminal
// write still returns the result; the ledger row is the record of truth.
func (e *Executor) finish(
	ctx context.Context,
	log logger.Logger,
	p *types.PendingPayment,
	chain types.ChainConfig,
	res *types.Resolution,
	out outcome,
) (*types.ApprovalResult, error) {
	network := map[string]string{"network": chain.CAIP2()}

	display, err := utils.FormatBaseUnits(res.Amount, chain.Asset.Decimals)
	if err != nil {
		display = res.Amount
	}

	paymentID := p.ID
	tx := &types.Transaction{
		ID:             uuid.NewString(),
		UserID:         p.UserID,
		PaymentID:      &paymentID,
		Amount:         display,
		AmountRaw:      res.Amount,
		Endpoint:       p.TargetURL,
		Network:        chain.CAIP2(),
		ChainID:        chain.ChainID,
		TxHash:         optional(out.txHash),
		ResponseStatus: optionalInt(out.httpStatus),
		ErrorMessage:   optional(out.errMsg),
		Kind:           types.KindPayment,
		Status:         types.TxCompleted,
		CreatedAt:      e.now().UTC(),
	}
	if out.status == types.StatusFailed {
		tx.Status = types.TxFailed
	}

	var persistErr error
	if err := e.ledger.Insert(ctx, tx); err != nil {
		log.Error("ledger insert failed", map[string]any{"error": err, "transaction_id": tx.ID})
		persistErr = err
	}

	update := types.StatusUpdate{
		Status:         out.status,
		ResponseStatus: optionalInt(out.httpStatus),
		TxHash:         optional(out.txHash),
		ErrorMessage:   optional(out.errMsg),
	}
	if len(out.body) > 0 {
		body := utils.EncodeBody(out.body)
		update.ResponsePayload = &body
	}
	if err := e.payments.UpdateStatusIf(ctx, p.ID, p.UserID, types.StatusApproved, update); err != nil {
		log.Error("terminal state write failed", map[string]any{"error": err, "status": out.status})
		if persistErr == nil {
			persistErr = err
		}
	}

	e.publish(ctx, log, p, out.status, out.txHash, out.httpStatus)

	result := &types.ApprovalResult{
		PaymentID:    p.ID,
		Status:       out.status,
		Success:      out.status == types.StatusCompleted,
		HTTPStatus:   out.httpStatus,
		ResponseData: responseData(out.body),
		Truncated:    out.truncated,
		TxHash:       out.txHash,
		ErrorCode:    out.errCode,
		Error:        out.errMsg,
	}

	if out.truncated {
		log.Warn("response body truncated", map[string]any{"limit": MaxStoredBody, "http_status": out.httpStatus})
	}
	if result.Success {
		result.ExplorerURL = chains.TxURL(chain, out.txHash)
		e.metrics.IncCounter(metrics.EventSettlementCompleted, network)
		log.Info("settlement completed", map[string]any{"http_status": out.httpStatus, "tx_hash": out.txHash})
	} else {
		e.metrics.IncCounter(metrics.EventSettlementFailed, network)
		log.Warn("settlement failed", map[string]any{"http_status": out.httpStatus, "error": out.errMsg})
	}

	if persistErr != nil {
		return result, types.WrapError(types.ErrStatePersistFailed, persistErr, "payment %s settled as %s but was not fully recorded", p.ID, out.status)
	}
	return result, nil
}

// Reject records a human refusal of a pending payment.
func (e *Executor) Reject(ctx context.Context, paymentID, userID string) (*types.RejectResult, error) {
	p, err := e.payments.FindByIDForUser(ctx, paymentID, userID)
	if err != nil {
		return nil, err
	}

	update := types.StatusUpdate{Status: types.StatusRejected}
	if err := e.payments.UpdateStatusIf(ctx, p.ID, p.UserID, types.StatusPending, update); err != nil {
		return nil, err
	}

	e.metrics.IncCounter(metrics.EventPaymentRejected, map[string]string{"network": networkOf(p)})
	e.publish(ctx, e.log, p, types.StatusRejected, "", 0)
	e.log.Info("payment rejected", map[string]any{"payment_id": p.ID, "user_id": p.UserID})

	return &types.RejectResult{PaymentID: p.ID, Success: true}, nil
}

// Expire moves a pending payment past its deadline to expired. A payment
// still inside its approval window is refused with INVALID_TRANSITION;
// repeated calls return ALREADY_PROCESSED and change nothing.
func (e *Executor) Expire(ctx context.Context, paymentID, userID string) error {
	p, err := e.payments.FindByIDForUser(ctx, paymentID, userID)
	if err != nil {
		return err
	}
	if p.Status != types.StatusPending {
		return store.AlreadyProcessed(p.ID, types.StatusPending)
	}
	if !p.Expired(e.now()) {
		return types.NewError(types.ErrInvalidTransition, "payment %s is open for approval until %s",
			p.ID, p.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return e.expire(ctx, p)
}

// ExpireOverdue expires every pending payment past its deadline and reports
// each one the way a single expiry is reported.
func (e *Executor) ExpireOverdue(ctx context.Context) (int64, error) {
	expired, err := e.payments.ExpireOverdue(ctx, e.now())
	if err != nil {
		return 0, err
	}
	for _, p := range expired {
		e.metrics.IncCounter(metrics.EventPaymentExpired, map[string]string{"network": networkOf(p)})
		e.publish(ctx, e.log, p, types.StatusExpired, "", 0)
	}
	if len(expired) > 0 {
		e.log.Info("expired overdue payments", map[string]any{"count": len(expired)})
	}
	return int64(len(expired)), nil
}

func (e *Executor) expire(ctx context.Context, p *types.PendingPayment) error {
	update := types.StatusUpdate{Status: types.StatusExpired}
	if err := e.payments.UpdateStatusIf(ctx, p.ID, p.UserID, types.StatusPending, update); err != nil {
		return err
	}

	e.metrics.IncCounter(metrics.EventPaymentExpired, map[string]string{"network": networkOf(p)})
	e.publish(ctx, e.log, p, types.StatusExpired, "", 0)
	e.log.Info("payment expired", map[string]any{"payment_id": p.ID, "expires_at": p.ExpiresAt})
	return nil
}

func (e *Executor) publish(ctx context.Context, log logger.Logger, p *types.PendingPayment, status types.PaymentStatus, txHash string, httpStatus int) {
	ev := events.Event{
		Type:       events.TypeFor(status),
		PaymentID:  p.ID,
		UserID:     p.UserID,
		ChainID:    p.ChainID,
		Status:     status,
		TxHash:     txHash,
		HTTPStatus: httpStatus,
		OccurredAt: e.now().UTC(),
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		log.Warn("event publish failed", map[string]any{"error": err, "type": string(ev.Type)})
	}
}

func newReplayRequest(ctx context.Context, p *types.PendingPayment, proof map[string]string) (*http.Request, error) {
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if p.RequestBody != nil {
		body = bytes.NewReader([]byte(*p.RequestBody))
	}

	req, err := http.NewRequestWithContext(ctx, method, p.TargetURL, body)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidPayload, err, "cannot rebuild request for %s", p.TargetURL)
	}
	req.Header = MergeHeaders(p.RequestHeaders, proof)
	return req, nil
}

// MergeHeaders layers the proof headers over the captured request headers.
// Hop-by-hop headers and stale proofs are dropped.
func MergeHeaders(captured, proof map[string]string) http.Header {
	h := make(http.Header, len(captured)+len(proof))
	for k, v := range captured {
		key := http.CanonicalHeaderKey(strings.TrimSpace(k))
		if _, skip := hopByHopHeaders[key]; skip {
			continue
		}
		h.Set(key, v)
	}
	h.Del(HeaderPaymentV1)
	h.Del(HeaderPaymentV2)
	for k, v := range proof {
		h.Set(k, v)
	}
	return h
}

func responseData(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	return utils.EncodeBody(body)
}

func networkOf(p *types.PendingPayment) string {
	return types.ChainConfig{ChainID: p.ChainID}.CAIP2()
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func optionalInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
