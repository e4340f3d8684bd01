package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"eigenl2/offchain/internal/apperrors"
	"eigenl2/offchain/internal/blockchain/ccip"
	"eigenl2/offchain/internal/models"
	"eigenl2/offchain/internal/service"
	"eigenl2/offchain/internal/worker"
)

// NonceSource reconciles ledger and on-chain exec nonces
type NonceSource interface {
	NextNonce(ctx context.Context, user, agent common.Address) (*service.NonceState, error)
}

// DelegationSigner signs delegation approvals for registered operators
type DelegationSigner interface {
	SignDelegationApproval(ctx context.Context, req service.DelegationRequest) (*service.DelegationSignature, error)
}

// PassRunner runs one status reconciliation pass
type PassRunner interface {
	RunOnce(ctx context.Context) (*worker.PassSummary, error)
}

// Handler holds dependencies for HTTP handlers. Everything but the ledger is
// optional; routes whose dependency is missing answer 503.
type Handler struct {
	ledger     *service.LedgerService
	nonces     NonceSource
	signer     DelegationSigner
	reconciler PassRunner
	bridge     worker.BridgeStatusSource
	logger     *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	ledger *service.LedgerService,
	nonces NonceSource,
	signer DelegationSigner,
	reconciler PassRunner,
	bridge worker.BridgeStatusSource,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		ledger:     ledger,
		nonces:     nonces,
		signer:     signer,
		reconciler: reconciler,
		bridge:     bridge,
		logger:     logger,
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: "1.0.0",
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Ledger ====================

// HandleUpsertTransaction handles POST /transactions
func (h *Handler) HandleUpsertTransaction(w http.ResponseWriter, r *http.Request) {
	var in models.TransactionInput
	if err := decodeBody(r, &in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.ledger.Upsert(r.Context(), in)
	if err != nil {
		h.respondAppError(w, "Failed to store transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// HandleUpsertTransactions handles POST /transactions/batch
func (h *Handler) HandleUpsertTransactions(w http.ResponseWriter, r *http.Request) {
	var inputs []models.TransactionInput
	if err := decodeBody(r, &inputs); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	records, err := h.ledger.UpsertMany(r.Context(), inputs)
	if err != nil {
		h.respondAppError(w, "Failed to store transactions", err)
		return
	}

	h.logger.Info("Stored transaction batch",
		zap.Int("count", len(records)),
		zap.String("admin", adminSubject(r.Context())))
	respondJSON(w, http.StatusOK, records)
}

// HandleGetTransactions handles GET /transactions
func (h *Handler) HandleGetTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.GetAll(r.Context())
	if err != nil {
		h.respondAppError(w, "Failed to get transactions", err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// HandleGetPendingTransactions handles GET /transactions/pending
func (h *Handler) HandleGetPendingTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.ListPending(r.Context())
	if err != nil {
		h.respondAppError(w, "Failed to get pending transactions", err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// HandleGetUserTransactions handles GET /transactions/user/{address}
func (h *Handler) HandleGetUserTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.ledger.GetByUser(r.Context(), mux.Vars(r)["address"])
	if err != nil {
		h.respondAppError(w, "Failed to get user transactions", err)
		return
	}
	respondJSON(w, http.StatusOK, records)
}

// HandleGetTransactionByHash handles GET /transactions/hash/{txHash}
func (h *Handler) HandleGetTransactionByHash(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.GetByHash(r.Context(), mux.Vars(r)["txHash"])
	if err != nil {
		h.respondAppError(w, "Failed to get transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// HandleUpdateTransactionByHash handles PATCH /transactions/hash/{txHash}
func (h *Handler) HandleUpdateTransactionByHash(w http.ResponseWriter, r *http.Request) {
	var update models.TransactionUpdate
	if err := decodeBody(r, &update); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.ledger.UpdateByHash(r.Context(), mux.Vars(r)["txHash"], update)
	if err != nil {
		h.respondAppError(w, "Failed to update transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// HandleGetTransactionByMessageID handles GET /transactions/message/{messageId}
func (h *Handler) HandleGetTransactionByMessageID(w http.ResponseWriter, r *http.Request) {
	record, err := h.ledger.GetByMessageID(r.Context(), mux.Vars(r)["messageId"])
	if err != nil {
		h.respondAppError(w, "Failed to get transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// HandleUpdateTransactionByMessageID handles PATCH /transactions/message/{messageId}
func (h *Handler) HandleUpdateTransactionByMessageID(w http.ResponseWriter, r *http.Request) {
	var update models.TransactionUpdate
	if err := decodeBody(r, &update); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.ledger.UpdateByMessageID(r.Context(), mux.Vars(r)["messageId"], update)
	if err != nil {
		h.respondAppError(w, "Failed to update transaction", err)
		return
	}
	respondJSON(w, http.StatusOK, record)
}

// HandleClearTransactions handles DELETE /transactions
func (h *Handler) HandleClearTransactions(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.ClearAll(r.Context())
	if err != nil {
		h.respondAppError(w, "Failed to clear transactions", err)
		return
	}
	h.logger.Warn("Ledger cleared via API",
		zap.Int64("deleted", n),
		zap.String("admin", adminSubject(r.Context())))
	respondJSON(w, http.StatusOK, ClearResponse{Deleted: n})
}

// HandleReconcile handles POST /transactions/reconcile
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		respondError(w, http.StatusServiceUnavailable, "Reconciler is not running", nil)
		return
	}
	summary, err := h.reconciler.RunOnce(r.Context())
	if errors.Is(err, worker.ErrPassInProgress) {
		respondError(w, http.StatusConflict, "Reconciliation pass already in progress", nil)
		return
	}
	if err != nil {
		h.respondAppError(w, "Reconciliation failed", err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

// ==================== Nonces ====================

// HandleGetExecNonce handles GET /execnonce/{agentAddress}.
// The address is the key the ledger records were stored under.
func (h *Handler) HandleGetExecNonce(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["agentAddress"]
	normalized, err := service.NormalizeAddress(address)
	if err != nil {
		h.respondAppError(w, "Invalid agent address", err)
		return
	}

	latest, err := h.ledger.LatestExecNonce(r.Context(), normalized)
	if err != nil {
		h.respondAppError(w, "Failed to get exec nonce", err)
		return
	}

	respondJSON(w, http.StatusOK, ExecNonceResponse{
		AgentAddress: normalized,
		LatestNonce:  latest,
		NextNonce:    service.NextNonceFromLatest(latest),
	})
}

// HandleGetReconciledNonce handles GET /agents/{userAddress}/nonce
func (h *Handler) HandleGetReconciledNonce(w http.ResponseWriter, r *http.Request) {
	if h.nonces == nil {
		respondError(w, http.StatusServiceUnavailable, "Chain reader is not configured", nil)
		return
	}
	user, ok := parseAddress(w, mux.Vars(r)["userAddress"], "userAddress")
	if !ok {
		return
	}
	var agent common.Address
	if q := r.URL.Query().Get("agent"); q != "" {
		if agent, ok = parseAddress(w, q, "agent"); !ok {
			return
		}
	}

	state, err := h.nonces.NextNonce(r.Context(), user, agent)
	if err != nil {
		h.respondAppError(w, "Failed to reconcile nonce", err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

// ==================== Delegation ====================

// HandleSignDelegation handles POST /delegation/sign
func (h *Handler) HandleSignDelegation(w http.ResponseWriter, r *http.Request) {
	if h.signer == nil {
		respondError(w, http.StatusServiceUnavailable, "Delegation signing is not configured", nil)
		return
	}

	var req DelegationSignRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	staker, ok := parseAddress(w, req.Staker, "staker")
	if !ok {
		return
	}
	operator, ok := parseAddress(w, req.Operator, "operator")
	if !ok {
		return
	}

	signReq := service.DelegationRequest{Staker: staker, Operator: operator}
	if req.Expiry != nil {
		signReq.Expiry = big.NewInt(*req.Expiry)
	}

	sig, err := h.signer.SignDelegationApproval(r.Context(), signReq)
	if err != nil {
		h.respondAppError(w, "Failed to sign delegation approval", err)
		return
	}
	respondJSON(w, http.StatusOK, sig)
}

// ==================== Bridge ====================

// HandleGetBridgeMessage handles GET /ccip/message/{messageId}
func (h *Handler) HandleGetBridgeMessage(w http.ResponseWriter, r *http.Request) {
	if h.bridge == nil {
		respondError(w, http.StatusServiceUnavailable, "Bridge status client is not configured", nil)
		return
	}
	messageID := mux.Vars(r)["messageId"]
	if !isHash(messageID) {
		respondError(w, http.StatusBadRequest, "messageId must be a 32 byte hex value", nil)
		return
	}

	status, err := h.bridge.GetMessageStatus(r.Context(), messageID)
	if err != nil {
		if apperrors.Is(err, apperrors.KindTransient) {
			h.logger.Warn("Bridge status unavailable", zap.String("message_id", messageID), zap.Error(err))
			respondError(w, http.StatusBadGateway, "Bridge status API unavailable", err)
			return
		}
		h.respondAppError(w, "Failed to get bridge message", err)
		return
	}
	respondJSON(w, http.StatusOK, bridgeMessageResponse{MessageStatus: status, StateName: status.State.String()})
}

type bridgeMessageResponse struct {
	*ccip.MessageStatus
	StateName string `json:"stateName"`
}

// ==================== Helper Functions ====================

func decodeBody(r *http.Request, v interface{}) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func parseAddress(w http.ResponseWriter, s, field string) (common.Address, bool) {
	if !common.IsHexAddress(s) {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a hex address", field), nil)
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func isHash(s string) bool {
	if len(s) != 2+2*common.HashLength || s[:2] != "0x" && s[:2] != "0X" {
		return false
	}
	for _, c := range s[2:] {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

// statusForKind maps an error kind to its HTTP status
func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation, apperrors.KindDeclined:
		return http.StatusBadRequest
	case apperrors.KindAuthorization:
		return http.StatusUnauthorized
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindIntegrity:
		return http.StatusConflict
	case apperrors.KindTransient:
		return http.StatusServiceUnavailable
	case apperrors.KindRevert:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondAppError maps a typed error to a status and response body
func (h *Handler) respondAppError(w http.ResponseWriter, message string, err error) {
	status := statusForKind(apperrors.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.logger.Error(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Error(err))
	}
	respondError(w, status, message, err)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
