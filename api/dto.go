/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

ENVELOPE:
  Every response is wrapped in Envelope:
    {"success": true, "data": ..., "pagination": {...}, "timestamp": "..."}
    {"success": false, "error": {"code": "...", "message": "..."}, "timestamp": "..."}

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/points-engine/catalog"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// ENVELOPE
// =============================================================================

// Envelope is the standard response wrapper.
type Envelope struct {
	Success    bool           `json:"success"`
	Data       any            `json:"data,omitempty"`
	Error      *ErrorBody     `json:"error,omitempty"`
	Pagination *PaginationDTO `json:"pagination,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// ErrorBody carries a machine-readable code plus a human message.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PaginationDTO mirrors points.PageInfo in the response envelope.
type PaginationDTO struct {
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"totalPages"`
	HasNextPage bool `json:"hasNextPage"`
	HasPrevPage bool `json:"hasPrevPage"`
}

func toPaginationDTO(info points.PageInfo) *PaginationDTO {
	return &PaginationDTO{
		Page:        info.Page,
		Limit:       info.Size,
		Total:       info.Total,
		TotalPages:  info.TotalPages,
		HasNextPage: info.HasNextPage,
		HasPrevPage: info.HasPrevPage,
	}
}

// =============================================================================
// BALANCE & TRANSACTIONS
// =============================================================================

// BalanceDTO represents a user's balance.
type BalanceDTO struct {
	UserID       string `json:"userId"`
	FreePoints   int64  `json:"freePoints"`
	PaidPoints   int64  `json:"paidPoints"`
	LockedPoints int64  `json:"lockedPoints"`
	TotalPoints  int64  `json:"totalPoints"`
	TotalEarned  int64  `json:"totalEarned"`
	TotalSpent   int64  `json:"totalSpent"`
	LastUpdated  string `json:"lastUpdated"`
}

func toBalanceDTO(b *points.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:       string(b.UserID),
		FreePoints:   b.FreePoints,
		PaidPoints:   b.PaidPoints,
		LockedPoints: b.LockedPoints,
		TotalPoints:  b.TotalPoints(),
		TotalEarned:  b.TotalEarned,
		TotalSpent:   b.TotalSpent,
		LastUpdated:  b.LastUpdated.Format(time.RFC3339),
	}
}

// EarnRequest is the request to credit free points for an action.
type EarnRequest struct {
	Action   string            `json:"action"`
	Amount   int64             `json:"amount,omitempty"` // 0 means the action default
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TransactionDTO represents one ledger entry.
type TransactionDTO struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Type          string            `json:"type"`
	PointType     string            `json:"pointType"`
	Amount        int64             `json:"amount"`
	BalanceAfter  int64             `json:"balanceAfter"`
	Description   string            `json:"description,omitempty"`
	ReferenceType string            `json:"referenceType,omitempty"`
	ReferenceID   string            `json:"referenceId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     string            `json:"createdAt"`
}

func toTransactionDTO(tx points.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		UserID:        string(tx.UserID),
		Type:          string(tx.Type),
		PointType:     string(tx.PointType),
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfter,
		Description:   tx.Description,
		ReferenceType: tx.ReferenceType,
		ReferenceID:   tx.ReferenceID,
		Metadata:      tx.Metadata,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []points.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

// StatsDTO summarizes a user's ledger activity.
type StatsDTO struct {
	Balance           BalanceDTO `json:"balance"`
	TotalTransactions int        `json:"totalTransactions"`
	Credits           int        `json:"credits"`
	Debits            int        `json:"debits"`
	LastActivityAt    *string    `json:"lastActivityAt,omitempty"`
}

// =============================================================================
// PACKAGES & PURCHASES
// =============================================================================

// PackageDTO represents a purchasable package.
type PackageDTO struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Points       int64             `json:"points"`
	BonusPoints  int64             `json:"bonusPoints,omitempty"`
	Price        string            `json:"price"`
	Currency     string            `json:"currency"`
	CryptoPrices map[string]string `json:"cryptoPrices,omitempty"`
	Featured     bool              `json:"featured"`
}

func toPackageDTO(pkg catalog.Package) PackageDTO {
	dto := PackageDTO{
		ID:          pkg.ID,
		Name:        pkg.Name,
		Points:      pkg.Points,
		BonusPoints: pkg.BonusPoints,
		Price:       pkg.Price.String(),
		Currency:    pkg.Currency,
		Featured:    pkg.Featured,
	}
	if len(pkg.CryptoPrices) > 0 {
		dto.CryptoPrices = make(map[string]string, len(pkg.CryptoPrices))
		for sym, p := range pkg.CryptoPrices {
			dto.CryptoPrices[sym] = p.String()
		}
	}
	return dto
}

// CreatePurchaseRequest is the request to start a purchase.
type CreatePurchaseRequest struct {
	PackageID      string `json:"packageId"`
	Method         string `json:"method"` // FIAT or CRYPTO
	CryptoCurrency string `json:"cryptoCurrency,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// PurchaseDTO represents a purchase in API responses.
type PurchaseDTO struct {
	ID             string `json:"id"`
	UserID         string `json:"userId"`
	PackageID      string `json:"packageId"`
	PackageName    string `json:"packageName"`
	Method         string `json:"method"`
	Points         int64  `json:"points"`
	Price          string `json:"price"`
	Currency       string `json:"currency"`
	ExternalRef    string `json:"externalRef"`
	PaymentAddress string `json:"paymentAddress,omitempty"`
	Status         string `json:"status"`
	Confirmations  int    `json:"confirmations"`
	CreatedAt      string `json:"createdAt"`
	CompletedAt    *string `json:"completedAt,omitempty"`
}

func toPurchaseDTO(p *points.Purchase) PurchaseDTO {
	return PurchaseDTO{
		ID:             string(p.ID),
		UserID:         string(p.UserID),
		PackageID:      p.PackageID,
		PackageName:    p.PackageName,
		Method:         string(p.Method),
		Points:         p.PointsAmount,
		Price:          p.Price.String(),
		Currency:       p.Currency,
		ExternalRef:    p.ExternalRef,
		PaymentAddress: p.PaymentAddress,
		Status:         string(p.Status),
		Confirmations:  p.Confirmations,
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
		CompletedAt:    formatTimePtr(p.CompletedAt),
	}
}

// PaymentCallbackRequest is the payment-provider webhook payload.
type PaymentCallbackRequest struct {
	ExternalRef   string `json:"externalRef"`
	Event         string `json:"event"` // AUTHORIZED, CONFIRMED, FAILED, EXPIRED
	Confirmations int    `json:"confirmations,omitempty"`
}

// =============================================================================
// SWAPS
// =============================================================================

// SwapConfigDTO describes the live swap terms.
type SwapConfigDTO struct {
	Active           bool   `json:"active"`
	ExchangeRate     string `json:"exchangeRate"`
	MinSwapAmount    int64  `json:"minSwapAmount"`
	MaxSwapAmount    int64  `json:"maxSwapAmount"`
	DailyLimit       int64  `json:"dailyLimit"`
	MonthlyLimit     int64  `json:"monthlyLimit"`
	MinConfirmations int    `json:"minConfirmations"`
}

// CalculateSwapRequest asks for a token quote.
type CalculateSwapRequest struct {
	Points int64 `json:"points"`
}

// CalculateSwapResponse is the quote.
type CalculateSwapResponse struct {
	Points       int64  `json:"points"`
	Tokens       string `json:"tokens"`
	ExchangeRate string `json:"exchangeRate"`
}

// CreateSwapRequest is the request to start a swap.
type CreateSwapRequest struct {
	Points         int64  `json:"points"`
	WalletAddress  string `json:"walletAddress"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SwapDTO represents a swap in API responses. Wallet addresses are
// masked in list views.
type SwapDTO struct {
	ID            string  `json:"id"`
	UserID        string  `json:"userId"`
	Points        int64   `json:"points"`
	Tokens        string  `json:"tokens"`
	ExchangeRate  string  `json:"exchangeRate"`
	WalletAddress string  `json:"walletAddress"`
	Status        string  `json:"status"`
	TxHash        string  `json:"txHash,omitempty"`
	Confirmations int     `json:"confirmations"`
	FailureReason string  `json:"failureReason,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	CompletedAt   *string `json:"completedAt,omitempty"`
}

func toSwapDTO(sw *points.Swap, maskWallet bool) SwapDTO {
	wallet := sw.WalletAddress
	if maskWallet {
		wallet = maskAddress(wallet)
	}
	return SwapDTO{
		ID:            string(sw.ID),
		UserID:        string(sw.UserID),
		Points:        sw.PointsAmount,
		Tokens:        sw.TokenAmount.String(),
		ExchangeRate:  sw.ExchangeRateAtRequest.String(),
		WalletAddress: wallet,
		Status:        string(sw.Status),
		TxHash:        sw.BlockchainTxHash,
		Confirmations: sw.Confirmations,
		FailureReason: sw.FailureReason,
		CreatedAt:     sw.CreatedAt.Format(time.RFC3339),
		CompletedAt:   formatTimePtr(sw.CompletedAt),
	}
}

// ChainCallbackRequest is the blockchain watcher webhook payload.
type ChainCallbackRequest struct {
	SwapID        string `json:"swapId"`
	TxHash        string `json:"txHash,omitempty"`
	Confirmations int    `json:"confirmations,omitempty"`
	Failed        bool   `json:"failed,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// QuotaWindowDTO describes one swap quota window.
type QuotaWindowDTO struct {
	Window      string `json:"window"`
	Limit       int64  `json:"limit"`
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"`
	PeriodStart string `json:"periodStart"`
	PeriodEnd   string `json:"periodEnd"`
}

func toQuotaWindowDTOs(windows []points.QuotaWindow) []QuotaWindowDTO {
	dtos := make([]QuotaWindowDTO, len(windows))
	for i, w := range windows {
		dtos[i] = QuotaWindowDTO{
			Window:      string(w.Window),
			Limit:       w.Limit,
			Used:        w.Used,
			Remaining:   w.Remaining(),
			PeriodStart: w.PeriodStart.Format(time.RFC3339),
			PeriodEnd:   w.PeriodEnd.Format(time.RFC3339),
		}
	}
	return dtos
}

// =============================================================================
// ADMIN
// =============================================================================

// SweepResultDTO reports how many records an expiry sweep touched.
type SweepResultDTO struct {
	Expired int `json:"expired"`
}

// RefundRequest identifies the record an operator wants unwound.
type RefundRequest struct {
	Reason string `json:"reason,omitempty"`
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

// maskAddress hides the middle of a wallet address: 0x1234...abcd.
func maskAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
