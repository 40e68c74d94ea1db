/*
Package catalog provides JSON to Go package conversion.

PURPOSE:
  Converts JSON package definitions into Package values the purchase
  workflow can sell. This enables catalog changes without code changes -
  product can define packages in JSON, and the catalog creates the proper
  Go structs.

WHY JSON?
  - Non-developers can modify the catalog
  - Easy integration with admin UI
  - Version control for package definitions
  - Database storage of package configs

JSON SCHEMA:
  {
    "id": "pkg-popular",
    "name": "Popular Pack",
    "points": 1000,
    "bonus_points": 200,
    "price": "9.99",
    "currency": "USD",
    "crypto_prices": {"ETH": "0.003"},
    "featured": true,
    "active": true
  }

USAGE:
  cat := catalog.Default()

  // Or from JSON
  cat, err := catalog.Parse(jsonBytes)

  // List for display
  pkgs := cat.List(catalog.ListOptions{FeaturedOnly: true})

  // Use with the purchase workflow
  purchases := points.NewPurchases(store, ledger, guard, cat, cfg)

SEE ALSO:
  - points/purchase.go: PackageCatalog interface consumed here
*/
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// PackageJSON is the JSON representation of a purchasable package.
type PackageJSON struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Points       int64             `json:"points"`
	BonusPoints  int64             `json:"bonus_points,omitempty"`
	Price        string            `json:"price"`
	Currency     string            `json:"currency,omitempty"`
	CryptoPrices map[string]string `json:"crypto_prices,omitempty"`
	Featured     bool              `json:"featured,omitempty"`
	Active       *bool             `json:"active,omitempty"` // default true
	SortOrder    int               `json:"sort_order,omitempty"`
}

// CatalogJSON is the top-level JSON document.
type CatalogJSON struct {
	Packages []PackageJSON `json:"packages"`
}

// =============================================================================
// PACKAGE
// =============================================================================

// Package is a purchasable points bundle.
type Package struct {
	ID           string
	Name         string
	Points       int64
	BonusPoints  int64
	Price        decimal.Decimal
	Currency     string
	CryptoPrices map[string]decimal.Decimal
	Featured     bool
	Active       bool
	SortOrder    int
}

// Info converts the package into the shape the purchase workflow
// consumes. Bonus points are folded into the credited amount.
func (p Package) Info() *points.PackageInfo {
	return &points.PackageInfo{
		ID:           p.ID,
		Name:         p.Name,
		PointsAmount: p.Points + p.BonusPoints,
		FiatPrice:    p.Price,
		FiatCurrency: p.Currency,
		CryptoPrices: p.CryptoPrices,
	}
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog holds the purchasable packages. It implements
// points.PackageCatalog: inactive packages are hidden from Package and
// List so in-flight purchases referencing a retired package still
// resolve through their stored snapshot, not the catalog.
type Catalog struct {
	mu       sync.RWMutex
	packages map[string]Package
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{packages: make(map[string]Package)}
}

// Parse builds a catalog from a JSON document.
func Parse(data []byte) (*Catalog, error) {
	var doc CatalogJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
	}

	cat := New()
	for _, pj := range doc.Packages {
		pkg, err := fromJSON(pj)
		if err != nil {
			return nil, err
		}
		cat.Put(pkg)
	}
	return cat, nil
}

func fromJSON(pj PackageJSON) (Package, error) {
	if pj.ID == "" {
		return Package{}, fmt.Errorf("package missing id")
	}
	if pj.Points <= 0 {
		return Package{}, fmt.Errorf("package %s: points must be positive", pj.ID)
	}
	if pj.BonusPoints < 0 {
		return Package{}, fmt.Errorf("package %s: bonus points must not be negative", pj.ID)
	}
	price, err := decimal.NewFromString(pj.Price)
	if err != nil {
		return Package{}, fmt.Errorf("package %s: invalid price %q: %w", pj.ID, pj.Price, err)
	}

	pkg := Package{
		ID:          pj.ID,
		Name:        pj.Name,
		Points:      pj.Points,
		BonusPoints: pj.BonusPoints,
		Price:       price,
		Currency:    pj.Currency,
		Featured:    pj.Featured,
		Active:      true,
		SortOrder:   pj.SortOrder,
	}
	if pkg.Currency == "" {
		pkg.Currency = "USD"
	}
	if pj.Active != nil {
		pkg.Active = *pj.Active
	}
	if len(pj.CryptoPrices) > 0 {
		pkg.CryptoPrices = make(map[string]decimal.Decimal, len(pj.CryptoPrices))
		for sym, v := range pj.CryptoPrices {
			d, err := decimal.NewFromString(v)
			if err != nil {
				return Package{}, fmt.Errorf("package %s: invalid %s price %q: %w", pj.ID, sym, v, err)
			}
			pkg.CryptoPrices[sym] = d
		}
	}
	return pkg, nil
}

// Put adds or replaces a package.
func (c *Catalog) Put(pkg Package) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.packages[pkg.ID] = pkg
}

// Package returns the active package with the given ID, or (nil, nil)
// when unknown or inactive.
func (c *Catalog) Package(id string) (*points.PackageInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pkg, ok := c.packages[id]
	if !ok || !pkg.Active {
		return nil, nil
	}
	return pkg.Info(), nil
}

// Get returns the raw package record, including inactive ones.
func (c *Catalog) Get(id string) (Package, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pkg, ok := c.packages[id]
	return pkg, ok
}

// ListOptions filters List output.
type ListOptions struct {
	FeaturedOnly bool
}

// List returns active packages sorted by SortOrder then ID.
func (c *Catalog) List(opts ListOptions) []Package {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Package, 0, len(c.packages))
	for _, pkg := range c.packages {
		if !pkg.Active {
			continue
		}
		if opts.FeaturedOnly && !pkg.Featured {
			continue
		}
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in catalog used when no JSON document is
// configured.
func Default() *Catalog {
	cat := New()
	cat.Put(Package{
		ID:        "pkg-starter",
		Name:      "Starter Pack",
		Points:    100,
		Price:     decimal.RequireFromString("0.99"),
		Currency:  "USD",
		Active:    true,
		SortOrder: 1,
	})
	cat.Put(Package{
		ID:        "pkg-basic",
		Name:      "Basic Pack",
		Points:    550,
		Price:     decimal.RequireFromString("4.99"),
		Currency:  "USD",
		Active:    true,
		SortOrder: 2,
	})
	cat.Put(Package{
		ID:          "pkg-popular",
		Name:        "Popular Pack",
		Points:      1000,
		BonusPoints: 200,
		Price:       decimal.RequireFromString("9.99"),
		Currency:    "USD",
		Featured:    true,
		Active:      true,
		SortOrder:   3,
	})
	return cat
}
