package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/vitwit/x402-approvals/types"
)

type ctxKey struct{}

const UserHeader = "X-User-Id"

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StatusFor maps an error code to the HTTP status the API answers with.
func StatusFor(code string) int {
	switch code {
	case types.ErrPaymentNotFound:
		return http.StatusNotFound
	case types.ErrAlreadyProcessed, types.ErrInvalidTransition:
		return http.StatusConflict
	case types.ErrExpiredPayment:
		return http.StatusGone
	case types.ErrMalformedRequirements,
		types.ErrRequirementIncomplete,
		types.ErrAuthorizationMismatch,
		types.ErrInvalidSignature,
		types.ErrUnsupportedChain:
		return http.StatusUnprocessableEntity
	case types.ErrInvalidPayload:
		return http.StatusBadRequest
	case types.ErrNetworkError, types.ErrUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "MISSING_USER", "missing user id")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func userFrom(ctx context.Context) string {
	userID, _ := ctx.Value(ctxKey{}).(string)
	return userID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: message}})
}
