package settlement

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-approvals/authorization"
	"github.com/vitwit/x402-approvals/chains"
	"github.com/vitwit/x402-approvals/events"
	"github.com/vitwit/x402-approvals/requirements"
	"github.com/vitwit/x402-approvals/signer"
	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/store/memory"
	"github.com/vitwit/x402-approvals/types"
	"github.com/vitwit/x402-approvals/utils"
	"golang.org/x/sync/errgroup"
)

const (
	payee  = "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"
	userID = "user-1"
)

var (
	fixedNow = time.Unix(1_760_000_000, 0).UTC()
	txHash   = "0x" + strings.Repeat("ab", 32)
)

func envelope() string {
	return `{"x402Version":2,"resource":{"url":"https://api.example.com/weather"},"accepts":[` +
		`{"scheme":"exact","network":"eip155:8453","amount":"100000","asset":"0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",` +
		`"payTo":"` + payee + `","maxTimeoutSeconds":60,"extra":{"name":"USD Coin","version":"2"}}]}`
}

type fixture struct {
	payments *memory.Payments
	ledger   store.Ledger
	rows     *memory.Ledger
	events   *events.Recorder
	signer   *signer.PrivateKeySigner
	exec     *Executor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	f := &fixture{
		payments: memory.NewPayments(),
		rows:     memory.NewLedger(),
		events:   &events.Recorder{},
		signer:   signer.FromECDSA(key),
	}
	f.ledger = f.rows

	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithPublisher(f.events),
	}
	f.exec = NewExecutor(f.payments, f.ledger, chains.New(), append(base, opts...)...)
	return f
}

func (f *fixture) capture(t *testing.T, target, raw string, expiresAt time.Time) *types.PendingPayment {
	t.Helper()

	body := `{"city":"Lisbon"}`
	p := &types.PendingPayment{
		ID:                  uuid.NewString(),
		UserID:              userID,
		ChainID:             8453,
		TargetURL:           target,
		Method:              http.MethodPost,
		RequestHeaders:      map[string]string{"Authorization": "Bearer agent", "Connection": "close", "X-PAYMENT": "stale"},
		RequestBody:         &body,
		PaymentRequirements: []byte(raw),
		Status:              types.StatusPending,
		ExpiresAt:           expiresAt,
	}
	require.NoError(t, f.payments.Create(context.Background(), p))
	return p
}

func (f *fixture) approval(t *testing.T, p *types.PendingPayment) ApproveRequest {
	t.Helper()

	chain, err := chains.New().Resolve(p.ChainID)
	require.NoError(t, err)
	res, err := requirements.Resolve(p.PaymentRequirements, chain)
	require.NoError(t, err)

	td, err := authorization.NewBuilder(authorization.WithClock(func() time.Time { return fixedNow })).
		Build(authorization.Params{From: f.signer.Address(), Chain: chain, Resolution: res})
	require.NoError(t, err)

	sig, err := f.signer.SignAuthorization(context.Background(), td)
	require.NoError(t, err)

	return ApproveRequest{PaymentID: p.ID, UserID: p.UserID, Signature: sig, Authorization: td.Message}
}

func (f *fixture) stored(t *testing.T, id string) *types.PendingPayment {
	t.Helper()
	p, err := f.payments.FindByIDForUser(context.Background(), id, userID)
	require.NoError(t, err)
	return p
}

func (f *fixture) ledgerRows(t *testing.T) []*types.Transaction {
	t.Helper()
	rows, err := f.rows.ListByUser(context.Background(), userID, 0)
	require.NoError(t, err)
	return rows
}

// upstream records every paid request it receives.
type upstream struct {
	*httptest.Server
	hits atomic.Int32

	mu      sync.Mutex
	headers http.Header
	body    string
	method  string
}

func newUpstream(t *testing.T, handler func(w http.ResponseWriter)) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.headers = r.Header.Clone()
		u.body = string(body)
		u.method = r.Method
		u.mu.Unlock()
		handler(w)
	}))
	t.Cleanup(u.Close)
	return u
}

func paidOK(w http.ResponseWriter) {
	header, _ := utils.EncodeBase64JSON(types.SettleResponse{Success: true, Transaction: txHash, Network: "eip155:8453"})
	w.Header().Set(HeaderResponseV2, header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"temperature":21}`))
}

func TestApproveCompletesSettlement(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, paidOK)
	f := newFixture(t, WithVerifier(signer.EOAVerifier{}))
	p := f.capture(t, up.URL+"/weather", envelope(), fixedNow.Add(15*time.Minute))
	req := f.approval(t, p)

	res, err := f.exec.Approve(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, types.StatusCompleted, res.Status)
	assert.Equal(t, http.StatusOK, res.HTTPStatus)
	assert.Equal(t, txHash, res.TxHash)
	assert.Equal(t, "https://basescan.org/tx/"+txHash, res.ExplorerURL)
	assert.Empty(t, res.ErrorCode)

	// the replay carries the original request plus the proof
	up.mu.Lock()
	assert.Equal(t, http.MethodPost, up.method)
	assert.Equal(t, `{"city":"Lisbon"}`, up.body)
	assert.Equal(t, "Bearer agent", up.headers.Get("Authorization"))
	assert.Empty(t, up.headers.Get(HeaderPaymentV1))
	proof, err := ProofFromRequest(up.headers)
	up.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, 2, proof.X402Version)
	assert.Equal(t, req.Authorization, proof.Payload.Authorization)
	assert.Equal(t, req.Signature, proof.Payload.Signature)
	assert.JSONEq(t, `{"url":"https://api.example.com/weather"}`, mustJSON(t, proof.Resource))

	stored := f.stored(t, p.ID)
	assert.Equal(t, types.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Signature)
	assert.Equal(t, req.Signature, *stored.Signature)
	require.NotNil(t, stored.TxHash)
	assert.Equal(t, txHash, *stored.TxHash)
	require.NotNil(t, stored.ResponsePayload)
	assert.JSONEq(t, `{"temperature":21}`, *stored.ResponsePayload)

	rows := f.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, types.TxCompleted, rows[0].Status)
	assert.Equal(t, "0.1", rows[0].Amount)
	assert.Equal(t, "100000", rows[0].AmountRaw)
	assert.Equal(t, "eip155:8453", rows[0].Network)
	assert.Equal(t, p.ID, *rows[0].PaymentID)

	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PaymentCompleted, evs[0].Type)
	assert.Equal(t, txHash, evs[0].TxHash)
}

func TestConcurrentApprovalsDispatchOnce(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, paidOK)
	f := newFixture(t)
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))
	req := f.approval(t, p)

	const callers = 8
	var (
		mu        sync.Mutex
		successes int
		conflicts int
	)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			res, err := f.exec.Approve(context.Background(), req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && res.Success:
				successes++
			case types.IsCode(err, types.ErrAlreadyProcessed):
				conflicts++
			default:
				return errors.New("unexpected approval outcome")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, successes)
	assert.Equal(t, callers-1, conflicts)
	assert.EqualValues(t, 1, up.hits.Load())
	assert.Equal(t, 1, f.rows.Len())
}

func TestApproveAfterDeadlineExpires(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, paidOK)
	f := newFixture(t)
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(-time.Second))
	req := f.approval(t, p)

	_, err := f.exec.Approve(context.Background(), req)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrExpiredPayment), err.Error())
	assert.Equal(t, types.StatusExpired, f.stored(t, p.ID).Status)

	_, err = f.exec.Approve(context.Background(), req)
	assert.True(t, types.IsCode(err, types.ErrAlreadyProcessed))

	assert.Zero(t, up.hits.Load())
	assert.Zero(t, f.rows.Len())
	evs := f.events.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.PaymentExpired, evs[0].Type)
}

func TestApproveUpstreamServerError(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("facilitator unavailable"))
	})
	f := newFixture(t)
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))
	req := f.approval(t, p)

	res, err := f.exec.Approve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.StatusFailed, res.Status)
	assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
	assert.Equal(t, types.ErrUpstreamRejected, res.ErrorCode)
	assert.Equal(t, "facilitator unavailable", res.ResponseData)
	assert.Empty(t, res.ExplorerURL)

	stored := f.stored(t, p.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	require.NotNil(t, stored.Signature)
	assert.Equal(t, req.Signature, *stored.Signature)
	require.NotNil(t, stored.ResponseStatus)
	assert.Equal(t, 500, *stored.ResponseStatus)

	rows := f.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Equal(t, types.TxFailed, rows[0].Status)
	require.NotNil(t, rows[0].ResponseStatus)
	assert.Equal(t, 500, *rows[0].ResponseStatus)
	require.NotNil(t, rows[0].ErrorMessage)
	assert.Contains(t, *rows[0].ErrorMessage, "500")
	assert.Contains(t, *rows[0].ErrorMessage, "facilitator unavailable")

	assert.Equal(t, events.PaymentFailed, f.events.Events()[0].Type)
}

func TestApproveNetworkError(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, paidOK)
	f := newFixture(t)
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))
	req := f.approval(t, p)
	up.Close()

	res, err := f.exec.Approve(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, types.ErrNetworkError, res.ErrorCode)
	assert.Zero(t, res.HTTPStatus)

	stored := f.stored(t, p.ID)
	assert.Equal(t, types.StatusFailed, stored.Status)
	require.NotNil(t, stored.ErrorMessage)
	assert.True(t, strings.HasPrefix(*stored.ErrorMessage, "network_error: "))

	rows := f.ledgerRows(t)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].ResponseStatus)
	assert.True(t, strings.HasPrefix(*rows[0].ErrorMessage, "network_error: "))
}

func TestApproveTimeoutIsNetworkError(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	up := newUpstream(t, func(w http.ResponseWriter) {
		<-release
		w.WriteHeader(http.StatusOK)
	})
	defer close(release)

	f := newFixture(t, WithTimeout(50*time.Millisecond))
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))

	res, err := f.exec.Approve(context.Background(), f.approval(t, p))
	require.NoError(t, err)
	assert.Equal(t, types.ErrNetworkError, res.ErrorCode)
	assert.Equal(t, types.StatusFailed, f.stored(t, p.ID).Status)
}

func TestApproveValidatesBeforeAnyWrite(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, paidOK)
	f := newFixture(t, WithVerifier(signer.EOAVerifier{}))
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))
	good := f.approval(t, p)

	wrongValue := good
	wrongValue.Authorization.Value = "1"
	_, err := f.exec.Approve(context.Background(), wrongValue)
	assert.True(t, types.IsCode(err, types.ErrAuthorizationMismatch))

	foreign := good
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	foreign.Signature, err = utils.SignHash(crypto.Keccak256([]byte("not the digest")), other)
	require.NoError(t, err)
	_, err = f.exec.Approve(context.Background(), foreign)
	assert.True(t, types.IsCode(err, types.ErrInvalidSignature))

	stranger := good
	stranger.UserID = "user-2"
	_, err = f.exec.Approve(context.Background(), stranger)
	assert.True(t, types.IsCode(err, types.ErrPaymentNotFound))

	require.NoError(t, f.payments.Create(context.Background(), &types.PendingPayment{
		ID:                  "p-unknown-chain",
		UserID:              userID,
		ChainID:             1,
		TargetURL:           up.URL,
		PaymentRequirements: []byte(envelope()),
		Status:              types.StatusPending,
		ExpiresAt:           fixedNow.Add(time.Minute),
	}))
	unknownChain := good
	unknownChain.PaymentID = "p-unknown-chain"
	_, err = f.exec.Approve(context.Background(), unknownChain)
	assert.True(t, types.IsCode(err, types.ErrUnsupportedChain))

	assert.Equal(t, types.StatusPending, f.stored(t, p.ID).Status)
	assert.Zero(t, up.hits.Load())
	assert.Zero(t, f.rows.Len())
}

func TestApproveVersion1UsesLegacyHeader(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, func(w http.ResponseWriter) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":{"receipt":{"transactionHash":"` + txHash + `"}}}`))
	})
	f := newFixture(t)
	raw := `[{"scheme":"exact","network":"base","maxAmountRequired":"2500","payTo":"` + payee + `","resource":"https://x"}]`
	p := f.capture(t, up.URL, raw, fixedNow.Add(time.Minute))

	res, err := f.exec.Approve(context.Background(), f.approval(t, p))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, txHash, res.TxHash)

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Empty(t, up.headers.Get(HeaderPaymentV2))
	proof, err := DecodeProofHeader(up.headers.Get(HeaderPaymentV1))
	require.NoError(t, err)
	assert.Equal(t, 1, proof.X402Version)
	assert.Equal(t, "exact", proof.Scheme)
	assert.Equal(t, "base", proof.Network)
	assert.Equal(t, "2500", proof.Payload.Authorization.Value)
}

type failingLedger struct{}

func (failingLedger) Insert(context.Context, *types.Transaction) error {
	return errors.New("ledger offline")
}

func (failingLedger) ListByUser(context.Context, string, int) ([]*types.Transaction, error) {
	return nil, nil
}

func TestApproveReportsPersistFailure(t *testing.T) {
	t.Parallel()

	up := newUpstream(t, paidOK)
	f := newFixture(t)
	f.exec.ledger = failingLedger{}
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))

	res, err := f.exec.Approve(context.Background(), f.approval(t, p))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrStatePersistFailed))
	require.NotNil(t, res)
	assert.True(t, res.Success)
	assert.Equal(t, types.StatusCompleted, f.stored(t, p.ID).Status)
}

func TestRejectAndExpire(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rejected := f.capture(t, "https://api.example.com", envelope(), fixedNow.Add(time.Minute))
	res, err := f.exec.Reject(ctx, rejected.ID, userID)
	require.NoError(t, err)
	assert.Equal(t, &types.RejectResult{PaymentID: rejected.ID, Success: true}, res)
	assert.Equal(t, types.StatusRejected, f.stored(t, rejected.ID).Status)

	_, err = f.exec.Reject(ctx, rejected.ID, userID)
	assert.True(t, types.IsCode(err, types.ErrAlreadyProcessed))
	_, err = f.exec.Approve(ctx, f.approval(t, rejected))
	assert.True(t, types.IsCode(err, types.ErrAlreadyProcessed))

	open := f.capture(t, "https://api.example.com", envelope(), fixedNow.Add(time.Minute))
	err = f.exec.Expire(ctx, open.ID, userID)
	assert.True(t, types.IsCode(err, types.ErrInvalidTransition))
	assert.Equal(t, types.StatusPending, f.stored(t, open.ID).Status)

	expired := f.capture(t, "https://api.example.com", envelope(), fixedNow.Add(-time.Second))
	require.NoError(t, f.exec.Expire(ctx, expired.ID, userID))
	assert.Equal(t, types.StatusExpired, f.stored(t, expired.ID).Status)
	assert.True(t, types.IsCode(f.exec.Expire(ctx, expired.ID, userID), types.ErrAlreadyProcessed))

	assert.True(t, types.IsCode(f.exec.Expire(ctx, "missing", userID), types.ErrPaymentNotFound))
	_, err = f.exec.Reject(ctx, expired.ID, "user-2")
	assert.True(t, types.IsCode(err, types.ErrPaymentNotFound))

	evs := f.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.PaymentRejected, evs[0].Type)
	assert.Equal(t, events.PaymentExpired, evs[1].Type)
	assert.Zero(t, f.rows.Len())
}

func TestExpireOverdueReportsEachPayment(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	first := f.capture(t, "https://api.example.com", envelope(), fixedNow.Add(-time.Hour))
	second := f.capture(t, "https://api.example.com", envelope(), fixedNow.Add(-time.Minute))
	open := f.capture(t, "https://api.example.com", envelope(), fixedNow.Add(time.Minute))

	n, err := f.exec.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	evs := f.events.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.PaymentExpired, evs[0].Type)
	assert.Equal(t, first.ID, evs[0].PaymentID)
	assert.Equal(t, second.ID, evs[1].PaymentID)
	assert.Equal(t, userID, evs[1].UserID)
	assert.Equal(t, types.StatusPending, f.stored(t, open.ID).Status)

	n, err = f.exec.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, f.events.Events(), 2)
}

func TestApproveStoresBinaryBodiesAsText(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', 0x00, 0xFF, 0xFE}

	t.Run("completed", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, func(w http.ResponseWriter) {
			header, _ := utils.EncodeBase64JSON(types.SettleResponse{Success: true, Transaction: txHash})
			w.Header().Set(HeaderResponseV2, header)
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(png)
		})
		f := newFixture(t)
		p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))

		res, err := f.exec.Approve(context.Background(), f.approval(t, p))
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, txHash, res.TxHash)
		assert.Equal(t, utils.EncodeBody(png), res.ResponseData)

		stored := f.stored(t, p.ID)
		assert.Equal(t, types.StatusCompleted, stored.Status)
		require.NotNil(t, stored.ResponsePayload)
		assert.True(t, utils.IsStorableText([]byte(*stored.ResponsePayload)))
		decoded, err := utils.DecodeBody(*stored.ResponsePayload)
		require.NoError(t, err)
		assert.Equal(t, png, decoded)
	})

	t.Run("failed", func(t *testing.T) {
		t.Parallel()
		up := newUpstream(t, func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write(png)
		})
		f := newFixture(t)
		p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))

		res, err := f.exec.Approve(context.Background(), f.approval(t, p))
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, res.Status)
		assert.True(t, utils.IsStorableText([]byte(res.Error)))

		stored := f.stored(t, p.ID)
		require.NotNil(t, stored.ResponsePayload)
		assert.True(t, utils.IsStorableText([]byte(*stored.ResponsePayload)))
		require.NotNil(t, stored.ErrorMessage)
		assert.True(t, utils.IsStorableText([]byte(*stored.ErrorMessage)))

		rows := f.ledgerRows(t)
		require.Len(t, rows, 1)
		require.NotNil(t, rows[0].ErrorMessage)
		assert.True(t, strings.HasPrefix(*rows[0].ErrorMessage, "upstream returned 502: "))
		assert.True(t, utils.IsStorableText([]byte(*rows[0].ErrorMessage)))
	})
}

func TestApproveOversizedBodyKeepsTxHash(t *testing.T) {
	t.Parallel()

	padding := strings.Repeat("x", MaxStoredBody)
	up := newUpstream(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"padding":"` + padding + `","txHash":"` + txHash + `"}`))
	})
	f := newFixture(t)
	p := f.capture(t, up.URL, envelope(), fixedNow.Add(time.Minute))

	res, err := f.exec.Approve(context.Background(), f.approval(t, p))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Truncated)
	assert.Equal(t, txHash, res.TxHash)

	stored := f.stored(t, p.ID)
	require.NotNil(t, stored.ResponsePayload)
	assert.Len(t, *stored.ResponsePayload, MaxStoredBody)
	require.NotNil(t, stored.TxHash)
	assert.Equal(t, txHash, *stored.TxHash)
}

func TestMergeHeaders(t *testing.T) {
	t.Parallel()

	h := MergeHeaders(
		map[string]string{"accept": "application/json", "Connection": "keep-alive", "host": "x", "x-payment": "old"},
		map[string]string{HeaderPaymentV2: "proof"},
	)
	assert.Equal(t, "application/json", h.Get("Accept"))
	assert.Equal(t, "proof", h.Get(HeaderPaymentV2))
	assert.Empty(t, h.Get("Connection"))
	assert.Empty(t, h.Get("Host"))
	assert.Empty(t, h.Get(HeaderPaymentV1))
}
