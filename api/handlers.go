/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Points:
    GET    /api/points/balance            Current balance
    POST   /api/points/earn               Credit free points for an action
    GET    /api/points/transactions       Transaction history (paginated)
    GET    /api/points/transactions/{id}  Single transaction
    GET    /api/points/stats              Ledger activity summary

  Purchases:
    GET    /api/purchases/packages        Package catalog
    POST   /api/purchases                 Start a purchase
    GET    /api/purchases                 Purchase history
    GET    /api/purchases/{id}            Single purchase
    POST   /api/purchases/callbacks       Payment provider webhook

  Swaps:
    GET    /api/swaps/config              Live swap terms
    POST   /api/swaps/calculate           Token quote for a point amount
    POST   /api/swaps                     Start a swap
    GET    /api/swaps                     Swap history
    GET    /api/swaps/limits              Quota window usage
    GET    /api/swaps/{id}                Single swap
    POST   /api/swaps/callbacks           Blockchain watcher webhook

  Admin:
    POST   /api/admin/purchases/{id}/refund   Refund a completed purchase
    POST   /api/admin/swaps/{id}/refund       Unwind a stuck swap
    POST   /api/admin/expire/purchases        Sweep stale purchases
    POST   /api/admin/expire/swaps            Sweep stale swaps
    POST   /api/admin/idempotency/purge       Purge expired idempotency keys

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (ledger, purchase/swap workflow)
  4. Serialize response envelope
  5. Map domain errors to HTTP status + code

ERROR HANDLING:
  Domain sentinel errors map to stable machine-readable codes:
  - 400 INVALID_ARGUMENT, 401 UNAUTHORIZED, 404 NOT_FOUND
  - 402 INSUFFICIENT_FUNDS, 409 DUPLICATE_REQUEST / INVALID_STATE
  - 429 QUOTA_EXCEEDED, 503 SWAPS_DISABLED / CONCURRENT_MODIFICATION

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *points.Ledger
	Purchases *points.Purchases
	Swaps     *points.Swaps
	Guard     *points.Guard
	Catalog   *catalog.Catalog
	Logger    *zap.Logger

	DefaultPageSize int
	MaxPageSize     int
}

// NewHandler creates a handler with the given engine components.
func NewHandler(ledger *points.Ledger, purchases *points.Purchases, swaps *points.Swaps, guard *points.Guard, cat *catalog.Catalog, logger *zap.Logger) *Handler {
	return &Handler{
		Ledger:          ledger,
		Purchases:       purchases,
		Swaps:           swaps,
		Guard:           guard,
		Catalog:         cat,
		Logger:          logger,
		DefaultPageSize: 20,
		MaxPageSize:     100,
	}
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// GetBalance returns the caller's balance.
// GET /api/points/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toBalanceDTO(balance))
}

// Earn credits free points for a named action.
// POST /api/points/earn
func (h *Handler) Earn(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	var req EarnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	if !points.ValidEarnAction(points.EarnAction(req.Action)) {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "unknown earn action")
		return
	}

	balance, tx, err := h.Ledger.Earn(r.Context(), userID, points.EarnAction(req.Action), req.Amount, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, map[string]any{
		"balance":     toBalanceDTO(balance),
		"transaction": toTransactionDTO(*tx),
	})
}

// GetTransactions returns the caller's transaction history, newest first.
// GET /api/points/transactions?page=&limit=&type=&pointType=&from=&to=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	page := h.parsePage(r)

	filter := points.TransactionFilter{
		Type:      points.TransactionType(r.URL.Query().Get("type")),
		PointType: points.PointType(r.URL.Query().Get("pointType")),
	}
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid from timestamp")
			return
		}
		filter.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid to timestamp")
			return
		}
		filter.To = t
	}

	txs, info, err := h.Ledger.Transactions(r.Context(), userID, filter, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writePage(w, toTransactionDTOs(txs), info)
}

// GetTransaction returns a single transaction owned by the caller.
// GET /api/points/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	id := points.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Ledger.Transaction(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toTransactionDTO(*tx))
}

// GetStats returns a summary of the caller's ledger activity.
// GET /api/points/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	balance, stats, err := h.Ledger.Stats(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dto := StatsDTO{
		Balance:           toBalanceDTO(balance),
		TotalTransactions: stats.Total,
		Credits:           stats.Credits,
		Debits:            stats.Debits,
	}
	if stats.LastAt != nil {
		dto.LastActivityAt = formatTimePtr(stats.LastAt)
	}
	h.writeData(w, http.StatusOK, dto)
}

// =============================================================================
// PURCHASE HANDLERS
// =============================================================================

// ListPackages returns the purchasable package catalog.
// GET /api/purchases/packages?featured=true
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	opts := catalog.ListOptions{
		FeaturedOnly: r.URL.Query().Get("featured") == "true",
	}
	pkgs := h.Catalog.List(opts)

	dtos := make([]PackageDTO, len(pkgs))
	for i, pkg := range pkgs {
		dtos[i] = toPackageDTO(pkg)
	}
	h.writeData(w, http.StatusOK, dtos)
}

// CreatePurchase starts a purchase.
// POST /api/purchases
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	var req CreatePurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}

	method := points.PaymentMethod(req.Method)
	if method != points.MethodFiat && method != points.MethodCrypto {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "method must be FIAT or CRYPTO")
		return
	}

	purchase, err := h.Purchases.Create(r.Context(), userID, req.PackageID, method, req.CryptoCurrency, req.IdempotencyKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, toPurchaseDTO(purchase))
}

// ListPurchases returns the caller's purchase history.
// GET /api/purchases?page=&limit=&status=
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	page := h.parsePage(r)
	status := points.PurchaseStatus(r.URL.Query().Get("status"))

	purchases, info, err := h.Purchases.List(r.Context(), userID, status, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]PurchaseDTO, len(purchases))
	for i := range purchases {
		dtos[i] = toPurchaseDTO(&purchases[i])
	}
	h.writePage(w, dtos, info)
}

// GetPurchase returns a single purchase owned by the caller.
// GET /api/purchases/{id}
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	id := points.PurchaseID(chi.URLParam(r, "id"))

	purchase, err := h.Purchases.Get(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toPurchaseDTO(purchase))
}

// PaymentCallback processes a payment provider webhook. Providers
// retry deliveries, so the purchase workflow treats repeats as no-ops.
// POST /api/purchases/callbacks
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req PaymentCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	if req.ExternalRef == "" {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "externalRef is required")
		return
	}

	purchase, err := h.Purchases.OnPaymentEvent(r.Context(), req.ExternalRef, points.PaymentEventType(req.Event), req.Confirmations)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Logger.Info("payment callback processed",
		zap.String("external_ref", req.ExternalRef),
		zap.String("event", req.Event),
		zap.String("status", string(purchase.Status)))
	h.writeData(w, http.StatusOK, toPurchaseDTO(purchase))
}

// =============================================================================
// SWAP HANDLERS
// =============================================================================

// GetSwapConfig returns the live swap terms.
// GET /api/swaps/config
func (h *Handler) GetSwapConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.Swaps.Config()
	h.writeData(w, http.StatusOK, SwapConfigDTO{
		Active:           cfg.Active,
		ExchangeRate:     cfg.ExchangeRate.String(),
		MinSwapAmount:    cfg.MinSwapAmount,
		MaxSwapAmount:    cfg.MaxSwapAmount,
		DailyLimit:       cfg.DailyLimit,
		MonthlyLimit:     cfg.MonthlyLimit,
		MinConfirmations: cfg.MinConfirmations,
	})
}

// CalculateSwap quotes the token amount for a point amount without
// creating anything.
// POST /api/swaps/calculate
func (h *Handler) CalculateSwap(w http.ResponseWriter, r *http.Request) {
	var req CalculateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}

	tokens, err := h.Swaps.Calculate(req.Points)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, CalculateSwapResponse{
		Points:       req.Points,
		Tokens:       tokens.String(),
		ExchangeRate: h.Swaps.Config().ExchangeRate.String(),
	})
}

// CreateSwap starts a swap, locking the points immediately.
// POST /api/swaps
func (h *Handler) CreateSwap(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	var req CreateSwapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	if req.WalletAddress == "" {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "walletAddress is required")
		return
	}

	swap, err := h.Swaps.Create(r.Context(), userID, req.Points, req.WalletAddress, req.IdempotencyKey)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusCreated, toSwapDTO(swap, false))
}

// ListSwaps returns the caller's swap history with masked wallet addresses.
// GET /api/swaps?page=&limit=&status=
func (h *Handler) ListSwaps(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	page := h.parsePage(r)
	status := points.SwapStatus(r.URL.Query().Get("status"))

	swaps, info, err := h.Swaps.List(r.Context(), userID, status, page)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	dtos := make([]SwapDTO, len(swaps))
	for i := range swaps {
		dtos[i] = toSwapDTO(&swaps[i], true)
	}
	h.writePage(w, dtos, info)
}

// GetSwapLimits returns the caller's quota window usage.
// GET /api/swaps/limits
func (h *Handler) GetSwapLimits(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)

	windows, err := h.Swaps.Limits(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toQuotaWindowDTOs(windows))
}

// GetSwap returns a single swap owned by the caller.
// GET /api/swaps/{id}
func (h *Handler) GetSwap(w http.ResponseWriter, r *http.Request) {
	userID := userFrom(r)
	id := points.SwapID(chi.URLParam(r, "id"))

	swap, err := h.Swaps.Get(r.Context(), userID, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toSwapDTO(swap, false))
}

// ChainCallback processes a blockchain watcher webhook.
// POST /api/swaps/callbacks
func (h *Handler) ChainCallback(w http.ResponseWriter, r *http.Request) {
	var req ChainCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body")
		return
	}
	if req.SwapID == "" {
		h.writeErrorCode(w, http.StatusBadRequest, "INVALID_ARGUMENT", "swapId is required")
		return
	}

	var swap *points.Swap
	var err error
	if req.Failed {
		swap, err = h.Swaps.OnChainFailure(r.Context(), points.SwapID(req.SwapID), req.Reason)
	} else {
		swap, err = h.Swaps.OnChainEvent(r.Context(), points.SwapID(req.SwapID), req.TxHash, req.Confirmations)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Logger.Info("chain callback processed",
		zap.String("swap_id", req.SwapID),
		zap.Int("confirmations", req.Confirmations),
		zap.String("status", string(swap.Status)))
	h.writeData(w, http.StatusOK, toSwapDTO(swap, false))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RefundPurchase unwinds a completed purchase.
// POST /api/admin/purchases/{id}/refund
func (h *Handler) RefundPurchase(w http.ResponseWriter, r *http.Request) {
	id := points.PurchaseID(chi.URLParam(r, "id"))

	purchase, err := h.Purchases.Refund(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toPurchaseDTO(purchase))
}

// RefundSwap unwinds a swap whose chain transfer is not going to land.
// POST /api/admin/swaps/{id}/refund
func (h *Handler) RefundSwap(w http.ResponseWriter, r *http.Request) {
	id := points.SwapID(chi.URLParam(r, "id"))

	var req RefundRequest
	json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "operator refund"
	}

	swap, err := h.Swaps.Refund(r.Context(), id, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, toSwapDTO(swap, false))
}

// ExpirePurchases sweeps purchases stuck pending past the expiry cutoff.
// POST /api/admin/expire/purchases
func (h *Handler) ExpirePurchases(w http.ResponseWriter, r *http.Request) {
	n, err := h.Purchases.ExpirePurchases(r.Context(), time.Now().Add(-h.Purchases.Config().Expiry))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("expired stale purchases", zap.Int("count", n))
	h.writeData(w, http.StatusOK, SweepResultDTO{Expired: n})
}

// ExpireSwaps refunds swaps stuck in flight past the expiry cutoff.
// POST /api/admin/expire/swaps
func (h *Handler) ExpireSwaps(w http.ResponseWriter, r *http.Request) {
	n, err := h.Swaps.ExpireSwaps(r.Context(), time.Now().Add(-h.Swaps.Config().Expiry))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Logger.Info("expired stale swaps", zap.Int("count", n))
	h.writeData(w, http.StatusOK, SweepResultDTO{Expired: n})
}

// PurgeIdempotencyKeys removes idempotency records past retention.
// POST /api/admin/idempotency/purge
func (h *Handler) PurgeIdempotencyKeys(w http.ResponseWriter, r *http.Request) {
	n, err := h.Guard.PurgeExpired(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeData(w, http.StatusOK, SweepResultDTO{Expired: n})
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (h *Handler) parsePage(r *http.Request) points.Page {
	page := points.Page{Number: 1, Size: h.DefaultPageSize}
	if v := r.URL.Query().Get("page"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Number = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			page.Size = n
		}
	}
	if page.Size > h.MaxPageSize {
		page.Size = h.MaxPageSize
	}
	return page
}

func (h *Handler) writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writePage(w http.ResponseWriter, data any, info points.PageInfo) {
	writeJSON(w, http.StatusOK, Envelope{
		Success:    true,
		Data:       data,
		Pagination: toPaginationDTO(info),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{
		Success:   false,
		Error:     &ErrorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// writeError maps domain errors to HTTP status codes and stable error codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"

	switch {
	case errors.Is(err, points.ErrInvalidArgument):
		status, code = http.StatusBadRequest, "INVALID_ARGUMENT"
	case errors.Is(err, points.ErrUnknownUser):
		status, code = http.StatusNotFound, "UNKNOWN_USER"
	case errors.Is(err, points.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, points.ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "INSUFFICIENT_FUNDS"
	case errors.Is(err, points.ErrQuotaExceeded):
		status, code = http.StatusTooManyRequests, "QUOTA_EXCEEDED"
	case errors.Is(err, points.ErrDuplicateRequest):
		status, code = http.StatusConflict, "DUPLICATE_REQUEST"
	case errors.Is(err, points.ErrInvalidStateTransition):
		status, code = http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, points.ErrSwapsDisabled):
		status, code = http.StatusServiceUnavailable, "SWAPS_DISABLED"
	case errors.Is(err, points.ErrConcurrentModification):
		status, code = http.StatusServiceUnavailable, "CONCURRENT_MODIFICATION"
	}

	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	h.writeErrorCode(w, status, code, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
