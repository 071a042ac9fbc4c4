package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	x402 "github.com/vitwit/x402-approvals"
	"github.com/vitwit/x402-approvals/authorization"
	"github.com/vitwit/x402-approvals/logger"
	"github.com/vitwit/x402-approvals/settlement"
	"github.com/vitwit/x402-approvals/store"
	"github.com/vitwit/x402-approvals/types"
)

const maxBodyBytes = 2 << 20

// Engine is the part of *x402.Engine the API drives.
type Engine interface {
	Capture(ctx context.Context, req x402.CaptureRequest) (*types.PendingPayment, error)
	PrepareAuthorization(ctx context.Context, paymentID, userID, payer string) (*authorization.TypedData, error)
	Approve(ctx context.Context, req settlement.ApproveRequest) (*types.ApprovalResult, error)
	Reject(ctx context.Context, paymentID, userID string) (*types.RejectResult, error)
	Expire(ctx context.Context, paymentID, userID string) error
	Get(ctx context.Context, paymentID, userID string) (*types.PendingPayment, error)
	List(ctx context.Context, userID string, filter store.ListFilter) ([]*types.PendingPayment, error)
	History(ctx context.Context, userID string, limit int) ([]*types.Transaction, error)
	Supported() []types.ChainConfig
}

type Handler struct {
	Engine Engine
	Log    logger.Logger
}

func NewHandler(engine Engine, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Handler{Engine: engine, Log: log}
}

type captureRequest struct {
	ChainID             int64             `json:"chainId"`
	TargetURL           string            `json:"targetUrl"`
	Method              string            `json:"method"`
	RequestHeaders      map[string]string `json:"requestHeaders"`
	RequestBody         *string           `json:"requestBody"`
	PaymentRequirements json.RawMessage   `json:"paymentRequirements"`
}

type authorizationRequest struct {
	Payer string `json:"payer"`
}

type authorizationResponse struct {
	PaymentID string                   `json:"paymentId"`
	TypedData *authorization.TypedData `json:"typedData"`
	// EIP712 is the eth_signTypedData_v4 payload for browser wallets.
	EIP712 any `json:"eip712"`
}

type approveRequest struct {
	Signature     string                     `json:"signature"`
	Authorization types.EIP3009Authorization `json:"authorization"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": x402.GetVersion(),
	})
}

func (h *Handler) Chains(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Engine.Supported())
}

func (h *Handler) Capture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if !decodeBody(w, r, &req) {
		return
	}

	p, err := h.Engine.Capture(r.Context(), x402.CaptureRequest{
		UserID:              userFrom(r.Context()),
		ChainID:             req.ChainID,
		TargetURL:           req.TargetURL,
		Method:              req.Method,
		RequestHeaders:      req.RequestHeaders,
		RequestBody:         req.RequestBody,
		PaymentRequirements: req.PaymentRequirements,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	filter := store.ListFilter{Status: types.PaymentStatus(strings.ToLower(r.URL.Query().Get("status")))}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, types.ErrInvalidPayload, "limit must be an integer")
			return
		}
		filter.Limit = limit
	}

	payments, err := h.Engine.List(r.Context(), userFrom(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if payments == nil {
		payments = []*types.PendingPayment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.Engine.Get(r.Context(), chi.URLParam(r, "paymentId"), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) PrepareAuthorization(w http.ResponseWriter, r *http.Request) {
	var req authorizationRequest
	if !decodeBody(w, r, &req) {
		return
	}

	paymentID := chi.URLParam(r, "paymentId")
	td, err := h.Engine.PrepareAuthorization(r.Context(), paymentID, userFrom(r.Context()), req.Payer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authorizationResponse{
		PaymentID: paymentID,
		TypedData: td,
		EIP712:    td.APITypes(),
	})
}

func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.Engine.Approve(r.Context(), settlement.ApproveRequest{
		PaymentID:     chi.URLParam(r, "paymentId"),
		UserID:        userFrom(r.Context()),
		Signature:     req.Signature,
		Authorization: req.Authorization,
	})
	if err != nil && res != nil {
		// settled but not fully recorded
		h.Log.Error("approval outcome not persisted", map[string]any{"payment_id": res.PaymentID, "error": err})
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  errorBody{Code: types.ErrorCode(err), Message: err.Error()},
			"result": res,
		})
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.Reject(r.Context(), chi.URLParam(r, "paymentId"), userFrom(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	if err := h.Engine.Expire(r.Context(), paymentID, userFrom(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paymentId": paymentID, "status": types.StatusExpired})
}

func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, types.ErrInvalidPayload, "limit must be an integer")
			return
		}
		limit = n
	}

	txs, err := h.Engine.History(r.Context(), userFrom(r.Context()), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if txs == nil {
		txs = []*types.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := types.ErrorCode(err)
	status := StatusFor(code)
	if status >= http.StatusInternalServerError {
		h.Log.Error("request failed", map[string]any{"path": r.URL.Path, "error": err})
	}
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	writeError(w, status, code, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, types.ErrInvalidPayload, "invalid json body")
		return false
	}
	return true
}
