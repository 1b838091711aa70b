/**
 * @description
 * This file contains the HTTP handlers for the settlement-service's API
 * endpoints. Handlers are responsible for parsing incoming requests, calling
 * the appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pinkpay/settlement-service/internal/app"
	"github.com/pinkpay/settlement-service/internal/domain"
	"github.com/pinkpay/settlement-service/internal/store"
	"github.com/pinkpay/settlement-service/pkg/tokensign"
)

// SettlementHandlers holds the application service that handlers will use.
type SettlementHandlers struct {
	service *app.Service
}

// NewSettlementHandlers creates a new instance of SettlementHandlers.
func NewSettlementHandlers(service *app.Service) *SettlementHandlers {
	return &SettlementHandlers{service: service}
}

// settleResponse mirrors what both devices need after presenting a claim: the
// durable record, the reason if rejected, and the post-settlement balances.
type settleResponse struct {
	SettlementID     string                   `json:"settlement_id"`
	Status           string                   `json:"status"`
	Reason           string                   `json:"reason,omitempty"`
	Replayed         bool                     `json:"replayed"`
	SenderBalance    int64                    `json:"sender_balance"`
	RecipientBalance int64                    `json:"recipient_balance"`
	Record           *domain.SettlementRecord `json:"record"`
}

func buildSettleResponse(outcome *domain.SettlementOutcome) settleResponse {
	resp := settleResponse{
		SettlementID:     outcome.Record.ID.String(),
		Status:           outcome.Record.Status,
		Replayed:         outcome.Replayed,
		SenderBalance:    outcome.SenderBalance,
		RecipientBalance: outcome.RecipientBalance,
		Record:           outcome.Record,
	}
	if outcome.Record.Reason != nil {
		resp.Reason = *outcome.Record.Reason
	}
	return resp
}

// CreateAccountHandler provisions a ledger account.
func (h *SettlementHandlers) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	account, err := h.service.CreateAccount(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, account)
}

// GetAccountHandler returns a full account.
func (h *SettlementHandlers) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseUUIDParam(w, r, "account_id")
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// GetAccountBalanceHandler returns just the balance, the shape the dashboard
// glue polls.
func (h *SettlementHandlers) GetAccountBalanceHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseUUIDParam(w, r, "account_id")
	if !ok {
		return
	}
	account, err := h.service.GetAccount(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id": account.ID,
		"balance":    account.Balance,
		"currency":   account.Currency,
	})
}

// ListAccountTokensHandler lists an account's tokens, newest first.
func (h *SettlementHandlers) ListAccountTokensHandler(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.parseUUIDParam(w, r, "account_id")
	if !ok {
		return
	}
	tokens, err := h.service.ListAccountTokens(r.Context(), accountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if tokens == nil {
		tokens = []domain.OfflineToken{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

// IssueTokenHandler issues a new offline token to an online owner.
func (h *SettlementHandlers) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	issued, err := h.service.IssueToken(r.Context(), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, issued)
}

// GetTokenHandler returns a token by ID, applying lazy expiry.
func (h *SettlementHandlers) GetTokenHandler(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token_id")
	token, err := h.service.GetToken(r.Context(), tokenID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

// CancelTokenHandler cancels a token on behalf of its owner.
func (h *SettlementHandlers) CancelTokenHandler(w http.ResponseWriter, r *http.Request) {
	tokenID := chi.URLParam(r, "token_id")
	var req domain.CancelTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OwnerAccountID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "owner_account_id is required")
		return
	}
	token, err := h.service.CancelToken(r.Context(), tokenID, req.OwnerAccountID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, token)
}

// TokenStatsHandler aggregates the token population.
func (h *SettlementHandlers) TokenStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.GetTokenStats(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// SweepTokensHandler eagerly expires overdue tokens.
func (h *SettlementHandlers) SweepTokensHandler(w http.ResponseWriter, r *http.Request) {
	swept, err := h.service.SweepExpiredTokens(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int64{"swept": swept})
}

// VerifyClaimHandler runs the advisory, side-effect-free claim checks.
func (h *SettlementHandlers) VerifyClaimHandler(w http.ResponseWriter, r *http.Request) {
	claim, ok := h.decodeClaim(w, r)
	if !ok {
		return
	}
	if h.rateLimited(w, r, claim.DeviceID) {
		return
	}
	result, err := h.service.VerifyClaim(r.Context(), claim)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// SettleClaimHandler applies a claim to the ledger at most once.
func (h *SettlementHandlers) SettleClaimHandler(w http.ResponseWriter, r *http.Request) {
	claim, ok := h.decodeClaim(w, r)
	if !ok {
		return
	}
	if h.rateLimited(w, r, claim.DeviceID) {
		return
	}

	outcome, err := h.service.SettleClaim(r.Context(), claim)
	if err != nil {
		if outcome != nil && outcome.Record != nil {
			// Authorization rejection with an audit record.
			h.writeJSON(w, http.StatusUnprocessableEntity, buildSettleResponse(outcome))
			return
		}
		h.respondServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if outcome.Replayed {
		status = http.StatusOK
	}
	h.writeJSON(w, status, buildSettleResponse(outcome))
}

// GetSettlementHandler lets either device poll the fate of a submitted claim.
func (h *SettlementHandlers) GetSettlementHandler(w http.ResponseWriter, r *http.Request) {
	nonce, ok := h.parseUUIDParam(w, r, "claim_nonce")
	if !ok {
		return
	}
	record, err := h.service.GetSettlement(r.Context(), nonce)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, record)
}

func (h *SettlementHandlers) decodeClaim(w http.ResponseWriter, r *http.Request) (*domain.PaymentClaim, bool) {
	var claim domain.PaymentClaim
	if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid claim body")
		return nil, false
	}
	return &claim, true
}

func (h *SettlementHandlers) rateLimited(w http.ResponseWriter, r *http.Request, deviceID string) bool {
	retryAfter := h.service.ConsumeClaimRateLimit(r.Context(), deviceID)
	if retryAfter <= 0 {
		return false
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	h.writeError(w, http.StatusTooManyRequests, "Too many claim requests for this device. Please wait and try again.")
	return true
}

func (h *SettlementHandlers) parseUUIDParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// respondServiceError maps service errors onto HTTP statuses. Validation
// errors are 400s, authorization failures carry their reason code, conflicts
// are retriable 409s, and anything unexpected is a 500.
func (h *SettlementHandlers) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrTokenNotFound),
		errors.Is(err, store.ErrSettlementNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrIncompleteClaim),
		errors.Is(err, app.ErrMissingDeviceID),
		errors.Is(err, app.ErrAmountAboveLimit),
		errors.Is(err, tokensign.ErrInvalidDeviceKey):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrCurrencyMismatch):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrInsufficientBalance):
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrNotTokenOwner):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, store.ErrTokenNotCancellable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrConcurrentModification):
		h.writeJSON(w, http.StatusConflict, map[string]string{
			"error":  err.Error(),
			"reason": app.ReasonForError(err),
			"retry":  "true",
		})
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" path=%s err=%v", r.URL.Path, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *SettlementHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *SettlementHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
