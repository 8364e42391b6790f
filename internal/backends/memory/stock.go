// Package memory provides in-process backend implementations with mutation
// hooks. They back the demo configuration and give tests deterministic
// stock, payment, pricing and notification behavior.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"omniman/internal/core"
)

// StockBackend keeps stock levels and holds in memory. Levels track the
// promisable quantity: CreateHold decrements, ReleaseHold re-credits, and
// FulfillHold makes the decrement permanent. Expired holds are re-credited
// lazily on the next call.
type StockBackend struct {
	mu        sync.Mutex
	levels    map[string]decimal.Decimal
	holds     map[string]*core.Hold
	alts      map[string][]string
	fulfilled map[string]string // hold id -> fulfilling reference
	checkErr  map[string]error
	holdErr   map[string]error
	seq       int64
}

// NewStockBackend creates an empty stock backend.
func NewStockBackend() *StockBackend {
	return &StockBackend{
		levels:    make(map[string]decimal.Decimal),
		holds:     make(map[string]*core.Hold),
		alts:      make(map[string][]string),
		fulfilled: make(map[string]string),
		checkErr:  make(map[string]error),
		holdErr:   make(map[string]error),
	}
}

// SetLevel sets the promisable quantity for a SKU.
func (b *StockBackend) SetLevel(sku string, qty decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.levels[sku] = qty
}

// Level returns the current promisable quantity for a SKU.
func (b *StockBackend) Level(sku string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purgeExpiredLocked(time.Now().UTC())
	return b.levels[sku]
}

// SetAlternatives sets the substitute SKUs suggested for an unavailable SKU.
func (b *StockBackend) SetAlternatives(sku string, alts ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alts[sku] = append([]string(nil), alts...)
}

// FailCheck makes CheckAvailability for a SKU return the given error.
func (b *StockBackend) FailCheck(sku string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkErr[sku] = err
}

// FailHold makes CreateHold for a SKU return the given error.
func (b *StockBackend) FailHold(sku string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holdErr[sku] = err
}

// Holds returns a snapshot of the active holds, ordered by id.
func (b *StockBackend) Holds() []core.Hold {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.purgeExpiredLocked(time.Now().UTC())
	out := make([]core.Hold, 0, len(b.holds))
	for _, h := range b.holds {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Fulfilled returns the reference each fulfilled hold was converted for.
func (b *StockBackend) Fulfilled() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.fulfilled))
	for id, ref := range b.fulfilled {
		out[id] = ref
	}
	return out
}

// CheckAvailability reports how much of a SKU can still be promised.
func (b *StockBackend) CheckAvailability(ctx context.Context, sku string, qty decimal.Decimal) (core.Availability, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkErr[sku]; err != nil {
		return core.Availability{}, err
	}
	b.purgeExpiredLocked(time.Now().UTC())
	lvl := b.levels[sku]
	return core.Availability{
		SKU:          sku,
		Requested:    qty,
		AvailableQty: lvl,
		Available:    lvl.GreaterThanOrEqual(qty),
	}, nil
}

// CreateHold reserves qty of a SKU until expiresAt.
func (b *StockBackend) CreateHold(ctx context.Context, sku string, qty decimal.Decimal, expiresAt time.Time, reference string) (*core.Hold, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.holdErr[sku]; err != nil {
		return nil, err
	}
	b.purgeExpiredLocked(time.Now().UTC())
	lvl := b.levels[sku]
	if lvl.LessThan(qty) {
		return nil, fmt.Errorf("insufficient stock for %s: have %s, want %s", sku, lvl, qty)
	}
	b.levels[sku] = lvl.Sub(qty)
	b.seq++
	h := &core.Hold{
		ID:        fmt.Sprintf("HOLD-%06d", b.seq),
		SKU:       sku,
		Qty:       qty,
		Reference: reference,
		ExpiresAt: expiresAt,
	}
	b.holds[h.ID] = h
	out := *h
	return &out, nil
}

// ReleaseHold re-credits a reservation. Releasing an unknown or already
// released hold is a no-op.
func (b *StockBackend) ReleaseHold(ctx context.Context, holdID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked(holdID)
	return nil
}

// FulfillHold converts a reservation into a permanent decrement. Fulfilling
// the same hold twice is a no-op.
func (b *StockBackend) FulfillHold(ctx context.Context, holdID, reference string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.holds[holdID]; ok {
		delete(b.holds, h.ID)
		b.fulfilled[h.ID] = reference
		return nil
	}
	if _, ok := b.fulfilled[holdID]; ok {
		return nil
	}
	return fmt.Errorf("unknown hold %s", holdID)
}

// GetAlternatives suggests substitute SKUs for an unavailable one.
func (b *StockBackend) GetAlternatives(ctx context.Context, sku string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.alts[sku]...), nil
}

// ReleaseHoldsForReference re-credits every hold tagged with the reference.
func (b *StockBackend) ReleaseHoldsForReference(ctx context.Context, reference string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for id, h := range b.holds {
		if h.Reference == reference {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		b.releaseLocked(id)
	}
	return len(ids), nil
}

func (b *StockBackend) releaseLocked(holdID string) {
	h, ok := b.holds[holdID]
	if !ok {
		return
	}
	b.levels[h.SKU] = b.levels[h.SKU].Add(h.Qty)
	delete(b.holds, h.ID)
}

// purgeExpiredLocked re-credits holds whose expiry has passed. Holds with a
// zero expiry never expire.
func (b *StockBackend) purgeExpiredLocked(now time.Time) {
	var expired []string
	for id, h := range b.holds {
		if !h.ExpiresAt.IsZero() && now.After(h.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		b.releaseLocked(id)
	}
}

var _ core.IStockBackend = (*StockBackend)(nil)
