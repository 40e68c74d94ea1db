/*
purchase.go - Package purchase state machine

PURPOSE:
  Turns a package selection into a completed or failed purchase and a
  corresponding ledger credit. The workflow is asynchronous: creation
  returns a PENDING record keyed by an external reference, and the
  payment provider advances it through callbacks.

LIFECYCLE:
  PENDING -> PROCESSING -> {COMPLETED | FAILED | EXPIRED}
  COMPLETED -> REFUNDED (operator-driven reversal)

  Only the COMPLETED transition credits the ledger. The credit is guarded
  by the idempotency guard keyed on the external reference, and callbacks
  for one purchase are serialized, so a replayed provider callback can
  never double-credit. Terminal states reject further transitions with
  InvalidStateTransition.

TIMEOUTS:
  The engine runs no timers. An external sweep calls ExpirePurchases with
  a cutoff; purchases still non-terminal and older than it move to EXPIRED.
*/
package points

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// PURCHASE - One attempt to buy a package
// =============================================================================

type PaymentMethod string

const (
	MethodFiat   PaymentMethod = "FIAT"
	MethodCrypto PaymentMethod = "CRYPTO"
)

type PurchaseStatus string

const (
	PurchasePending    PurchaseStatus = "PENDING"
	PurchaseProcessing PurchaseStatus = "PROCESSING"
	PurchaseCompleted  PurchaseStatus = "COMPLETED"
	PurchaseFailed     PurchaseStatus = "FAILED"
	PurchaseExpired    PurchaseStatus = "EXPIRED"
	PurchaseRefunded   PurchaseStatus = "REFUNDED"
)

// purchaseTransitions is the validated transition table. A status absent
// from a row's set is an invalid transition from that row.
var purchaseTransitions = map[PurchaseStatus]map[PurchaseStatus]bool{
	PurchasePending: {
		PurchaseProcessing: true, PurchaseCompleted: true,
		PurchaseFailed: true, PurchaseExpired: true,
	},
	PurchaseProcessing: {
		PurchaseProcessing: true, PurchaseCompleted: true,
		PurchaseFailed: true, PurchaseExpired: true,
	},
	PurchaseCompleted: {PurchaseRefunded: true},
	PurchaseFailed:    {},
	PurchaseExpired:   {},
	PurchaseRefunded:  {},
}

func (s PurchaseStatus) canTransition(to PurchaseStatus) bool {
	return purchaseTransitions[s][to]
}

// IsTerminal reports whether no payment callback can advance this status.
func (s PurchaseStatus) IsTerminal() bool {
	return s == PurchaseCompleted || s == PurchaseFailed ||
		s == PurchaseExpired || s == PurchaseRefunded
}

type Purchase struct {
	ID          PurchaseID
	UserID      UserID
	PackageID   string
	PackageName string
	Method      PaymentMethod

	PointsAmount int64
	Price        decimal.Decimal // fiat amount, or crypto amount for MethodCrypto
	Currency     string          // "USD", "ETH", ...

	// ExternalRef keys provider callbacks: the checkout session ID for
	// fiat, the payment address for crypto.
	ExternalRef      string
	PaymentAddress   string // crypto only
	Status           PurchaseStatus
	Confirmations    int
	MinConfirmations int

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// =============================================================================
// PAYMENT EVENTS
// =============================================================================

type PaymentEventType string

const (
	PaymentAuthorized PaymentEventType = "AUTHORIZED"
	PaymentConfirmed  PaymentEventType = "CONFIRMED"
	PaymentFailed     PaymentEventType = "FAILED"
	PaymentExpired    PaymentEventType = "EXPIRED"
)

// =============================================================================
// PACKAGE CATALOG BOUNDARY
// =============================================================================

// PackageInfo is the pricing slice of a catalog package the workflow needs.
type PackageInfo struct {
	ID           string
	Name         string
	PointsAmount int64
	FiatPrice    decimal.Decimal
	FiatCurrency string
	// CryptoPrices maps currency code to the expected payment amount.
	CryptoPrices map[string]decimal.Decimal
}

// PackageCatalog supplies package pricing by ID. Returns (nil, nil) when
// the package does not exist.
type PackageCatalog interface {
	Package(id string) (*PackageInfo, error)
}

// =============================================================================
// PURCHASES ENGINE
// =============================================================================

type PurchaseConfig struct {
	MinConfirmations int           // crypto confirmation threshold
	Expiry           time.Duration // default sweep cutoff age
}

type Purchases struct {
	store   Store
	ledger  *Ledger
	guard   *Guard
	catalog PackageCatalog
	cfg     PurchaseConfig

	// callback serialization per external reference
	refLocks *keyLocks
	// create serialization per idempotency key
	createLocks *keyLocks

	now   func() time.Time
	newID func() PurchaseID
}

func NewPurchases(store Store, ledger *Ledger, guard *Guard, catalog PackageCatalog, cfg PurchaseConfig) *Purchases {
	return &Purchases{
		store:       store,
		ledger:      ledger,
		guard:       guard,
		catalog:     catalog,
		cfg:         cfg,
		refLocks:    newKeyLocks(),
		createLocks: newKeyLocks(),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       func() PurchaseID { return PurchaseID("purchase-" + uuid.NewString()) },
	}
}

// Config returns the workflow configuration.
func (p *Purchases) Config() PurchaseConfig { return p.cfg }

// Create opens a PENDING purchase for one package.
//
// For FIAT the returned purchase carries a provider-opaque session
// reference for the payment collaborator to use. For CRYPTO it carries a
// payment address and the expected amount in cryptoCurrency, priced from
// the catalog. Duplicate calls with the same idempotencyKey return the
// original purchase; a failed create cancels its key reservation so a
// retry can go through.
func (p *Purchases) Create(ctx context.Context, userID UserID, packageID string, method PaymentMethod, cryptoCurrency, idempotencyKey string) (*Purchase, error) {
	if userID == "" || packageID == "" {
		return nil, ErrInvalidArgument
	}
	if method != MethodFiat && method != MethodCrypto {
		return nil, ErrInvalidArgument
	}

	pkg, err := p.catalog.Package(packageID)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, ErrNotFound
	}

	purchase := Purchase{
		ID:           p.newID(),
		UserID:       userID,
		PackageID:    pkg.ID,
		PackageName:  pkg.Name,
		Method:       method,
		PointsAmount: pkg.PointsAmount,
		Status:       PurchasePending,
		CreatedAt:    p.now(),
	}

	switch method {
	case MethodFiat:
		purchase.Price = pkg.FiatPrice
		purchase.Currency = pkg.FiatCurrency
		purchase.ExternalRef = "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		purchase.MinConfirmations = 1
	case MethodCrypto:
		amount, ok := pkg.CryptoPrices[cryptoCurrency]
		if !ok {
			return nil, ErrInvalidArgument
		}
		purchase.Price = amount
		purchase.Currency = cryptoCurrency
		// A stripped UUID is 32 hex chars; two cover the 40-char address.
		purchase.PaymentAddress = "0x" + strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")[:40]
		purchase.ExternalRef = purchase.PaymentAddress
		purchase.MinConfirmations = p.cfg.MinConfirmations
	}

	if idempotencyKey != "" {
		mu := p.createLocks.lock(idempotencyKey)
		defer mu.Unlock()
	}

	prior, fresh, err := p.guard.Reserve(ctx, ScopePurchaseCreate, idempotencyKey, string(purchase.ID))
	if err != nil {
		return nil, err
	}
	if !fresh {
		return p.getByID(ctx, PurchaseID(prior))
	}

	if err := p.store.Commit(ctx, Mutation{InsertPurchase: &purchase}); err != nil {
		_ = p.guard.Cancel(ctx, ScopePurchaseCreate, idempotencyKey)
		return nil, err
	}
	return &purchase, nil
}

// OnPaymentEvent advances the purchase keyed by externalRef.
//
//   - AUTHORIZED completes a fiat purchase (single confirmation) and moves
//     a crypto purchase to PROCESSING.
//   - CONFIRMED records the confirmation count; reaching MinConfirmations
//     completes the purchase, otherwise it (re)enters PROCESSING.
//   - FAILED / EXPIRED are terminal without a credit.
//
// Events against a terminal purchase fail with InvalidStateTransition;
// callers log and drop them.
func (p *Purchases) OnPaymentEvent(ctx context.Context, externalRef string, event PaymentEventType, confirmations int) (*Purchase, error) {
	mu := p.refLocks.lock(externalRef)
	defer mu.Unlock()

	purchase, err := p.store.GetPurchaseByExternalRef(ctx, externalRef)
	if err != nil {
		return nil, err
	}
	if purchase == nil {
		return nil, ErrNotFound
	}

	switch event {
	case PaymentAuthorized:
		if purchase.Method == MethodFiat {
			return p.complete(ctx, purchase)
		}
		return p.transition(ctx, purchase, PurchaseProcessing)
	case PaymentConfirmed:
		purchase.Confirmations = confirmations
		if confirmations >= purchase.MinConfirmations {
			return p.complete(ctx, purchase)
		}
		return p.transition(ctx, purchase, PurchaseProcessing)
	case PaymentFailed:
		return p.transition(ctx, purchase, PurchaseFailed)
	case PaymentExpired:
		return p.transition(ctx, purchase, PurchaseExpired)
	default:
		return nil, ErrInvalidArgument
	}
}

// complete settles a purchase: guard on externalRef, then one commit that
// credits paid points, appends the PURCHASE transaction, and persists the
// COMPLETED status. Caller holds the ref lock.
func (p *Purchases) complete(ctx context.Context, purchase *Purchase) (*Purchase, error) {
	if !purchase.Status.canTransition(PurchaseCompleted) {
		return nil, &InvalidTransitionError{Entity: "purchase", ID: string(purchase.ID), From: string(purchase.Status), To: string(PurchaseCompleted)}
	}

	_, fresh, err := p.guard.Reserve(ctx, ScopePurchaseSettle, purchase.ExternalRef, string(purchase.ID))
	if err != nil {
		return nil, err
	}
	if !fresh {
		// Replay after a successful settlement: return the terminal record.
		return p.getByID(ctx, purchase.ID)
	}

	now := p.now()
	purchase.Status = PurchaseCompleted
	purchase.CompletedAt = &now

	if _, _, err := p.ledger.creditPurchase(ctx, purchase); err != nil {
		// The settlement never landed; let the provider's retry claim it.
		_ = p.guard.Cancel(ctx, ScopePurchaseSettle, purchase.ExternalRef)
		return nil, err
	}
	return purchase, nil
}

// transition persists a non-crediting status change.
func (p *Purchases) transition(ctx context.Context, purchase *Purchase, to PurchaseStatus) (*Purchase, error) {
	if !purchase.Status.canTransition(to) {
		return nil, &InvalidTransitionError{Entity: "purchase", ID: string(purchase.ID), From: string(purchase.Status), To: string(to)}
	}
	purchase.Status = to
	if err := p.store.Commit(ctx, Mutation{UpdatePurchase: purchase}); err != nil {
		return nil, err
	}
	return purchase, nil
}

// Refund reverses a COMPLETED purchase: debits the paid points back out
// with a REFUND transaction and marks the purchase REFUNDED, atomically.
// Fails with InsufficientFunds if the user already spent or locked them.
func (p *Purchases) Refund(ctx context.Context, id PurchaseID) (*Purchase, error) {
	purchase, err := p.getByID(ctx, id)
	if err != nil {
		return nil, err
	}

	mu := p.refLocks.lock(purchase.ExternalRef)
	defer mu.Unlock()

	// Re-read under the ref lock: a concurrent callback may have advanced it.
	purchase, err = p.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !purchase.Status.canTransition(PurchaseRefunded) {
		return nil, &InvalidTransitionError{Entity: "purchase", ID: string(purchase.ID), From: string(purchase.Status), To: string(PurchaseRefunded)}
	}

	purchase.Status = PurchaseRefunded
	_, err = p.ledger.commitWithBalance(ctx, purchase.UserID, func(prev Balance, next *Balance, mut *Mutation) error {
		if next.PaidPoints < purchase.PointsAmount {
			return &InsufficientFundsError{UserID: purchase.UserID, PointType: PointPaid, Available: prev.PaidPoints, Requested: purchase.PointsAmount}
		}
		next.PaidPoints -= purchase.PointsAmount
		next.TotalSpent += purchase.PointsAmount
		mut.Transactions = []Transaction{{
			ID:            p.ledger.newID(),
			UserID:        purchase.UserID,
			Type:          TxRefund,
			PointType:     PointPaid,
			Amount:        -purchase.PointsAmount,
			BalanceAfter:  next.PaidPoints,
			Description:   "Refund of " + purchase.PackageName,
			ReferenceType: "PURCHASE",
			ReferenceID:   string(purchase.ID),
			CreatedAt:     next.LastUpdated,
		}}
		mut.UpdatePurchase = purchase
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purchase, nil
}

// ExpirePurchases moves purchases still non-terminal at cutoff to EXPIRED.
// Called by the external sweep; the engine runs no timers of its own.
func (p *Purchases) ExpirePurchases(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := p.store.ListPurchasesBefore(ctx, []PurchaseStatus{PurchasePending, PurchaseProcessing}, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range stale {
		purchase := stale[i]
		mu := p.refLocks.lock(purchase.ExternalRef)
		_, err := p.expireLocked(ctx, purchase.ID)
		mu.Unlock()
		if err != nil {
			continue // raced with a callback; the callback won
		}
		expired++
	}
	return expired, nil
}

// expireLocked re-reads the row under the ref lock so a callback that won
// the race is respected, then applies the EXPIRED transition.
func (p *Purchases) expireLocked(ctx context.Context, id PurchaseID) (*Purchase, error) {
	current, err := p.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, ErrNotFound
	}
	return p.transition(ctx, current, PurchaseExpired)
}

// =============================================================================
// QUERIES
// =============================================================================

func (p *Purchases) getByID(ctx context.Context, id PurchaseID) (*Purchase, error) {
	purchase, err := p.store.GetPurchase(ctx, id)
	if err != nil {
		return nil, err
	}
	if purchase == nil {
		return nil, ErrNotFound
	}
	return purchase, nil
}

// Get returns a purchase scoped to its owner.
func (p *Purchases) Get(ctx context.Context, userID UserID, id PurchaseID) (*Purchase, error) {
	purchase, err := p.getByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if purchase.UserID != userID {
		return nil, ErrNotFound
	}
	return purchase, nil
}

// List returns one page of the user's purchases, newest first. A zero
// status matches all.
func (p *Purchases) List(ctx context.Context, userID UserID, status PurchaseStatus, page Page) ([]Purchase, PageInfo, error) {
	if page.Number < 1 || page.Size < 1 {
		return nil, PageInfo{}, ErrInvalidArgument
	}
	purchases, total, err := p.store.ListPurchases(ctx, userID, status, page)
	if err != nil {
		return nil, PageInfo{}, err
	}
	return purchases, NewPageInfo(page, total), nil
}
