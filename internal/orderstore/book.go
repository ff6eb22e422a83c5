// Package orderstore persists orders and maintains the in-memory
// price-time-priority index the matching engine scans. The DB is the
// source of truth; Book is a read-optimized index rebuilt at startup
// from resting orders and kept in sync by Store.Insert, ApplyFill and
// MarkCancelled, which the engine calls inside the same per-ticker
// critical section.
package orderstore

import (
	"sync"

	"order-matching-engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// priceLevel is a FIFO queue of resting orders at one price, ordered by
// admission timestamp (ties broken by ID).
type priceLevel struct {
	price  decimal.Decimal
	orders []*models.Order
}

func (pl *priceLevel) add(o *models.Order) {
	i := len(pl.orders)
	for i > 0 {
		prev := pl.orders[i-1]
		if prev.Timestamp.Before(o.Timestamp) ||
			(prev.Timestamp.Equal(o.Timestamp) && prev.ID.String() <= o.ID.String()) {
			break
		}
		i--
	}
	pl.orders = append(pl.orders, nil)
	copy(pl.orders[i+1:], pl.orders[i:])
	pl.orders[i] = o
}

// remove deletes an order by ID, preserving FIFO order of the rest.
func (pl *priceLevel) remove(id string) bool {
	for i, o := range pl.orders {
		if o.ID.String() == id {
			pl.orders = append(pl.orders[:i], pl.orders[i+1:]...)
			return true
		}
	}
	return false
}

func (pl *priceLevel) totalQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range pl.orders {
		total = total.Add(o.Remaining())
	}
	return total
}

// Book is the in-memory resting-order index for one ticker: one side
// per direction, each a btree of price levels so best-price lookup and
// insertion are both O(log n) (replacing a sort-on-every-mutation
// price-slice cache).
type Book struct {
	mu sync.RWMutex

	// bids: best (highest) price first.
	bids *btree.BTreeG[*priceLevel]
	// asks: best (lowest) price first.
	asks *btree.BTreeG[*priceLevel]
}

// NewBook constructs an empty Book.
func NewBook() *Book {
	return &Book{
		bids: btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price.GreaterThan(b.price) }),
		asks: btree.NewBTreeG(func(a, b *priceLevel) bool { return a.price.LessThan(b.price) }),
	}
}

func (bk *Book) side(dir models.Direction) *btree.BTreeG[*priceLevel] {
	if dir == models.Buy {
		return bk.bids
	}
	return bk.asks
}

// Add inserts a resting LIMIT order into the book. No-op for MARKET
// orders, which never rest.
func (bk *Book) Add(o *models.Order) {
	if o.Kind != models.Limit || o.Price == nil {
		return
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()

	tree := bk.side(o.Direction)
	lvl, ok := tree.Get(&priceLevel{price: *o.Price})
	if !ok {
		lvl = &priceLevel{price: *o.Price}
		tree.Set(lvl)
	}
	lvl.add(o)
}

// Remove deletes an order from the book by ID, direction and price.
func (bk *Book) Remove(id string, dir models.Direction, price *decimal.Decimal) {
	if price == nil {
		return
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()

	tree := bk.side(dir)
	lvl, ok := tree.Get(&priceLevel{price: *price})
	if !ok {
		return
	}
	lvl.remove(id)
	if len(lvl.orders) == 0 {
		tree.Delete(lvl)
	}
}

// OffersAgainst returns the resting orders a taker on takerDir consumes
// (the opposite side of the book), in price-time priority for that
// taker: price improvement first, then admission order. If capPrice is
// non-nil, only offers crossing it (<=, for a SELL book consumed by a
// BUY taker; >=, for a BUY book consumed by a SELL taker) are returned.
// Resting orders owned by excludeUser are skipped: a taker never
// crosses its own resting order (a self-trade would settle against
// itself, which neither moves risk between parties nor should create
// or destroy balance). Orders returned are live pointers: mutating
// Filled/Status here is reflected immediately to subsequent lookups,
// matching the single critical-section model the gateway's per-ticker
// lock provides.
func (bk *Book) OffersAgainst(takerDir models.Direction, capPrice *decimal.Decimal, excludeUser uuid.UUID) []*models.Order {
	counterDir := models.Sell
	if takerDir == models.Sell {
		counterDir = models.Buy
	}

	bk.mu.RLock()
	defer bk.mu.RUnlock()

	tree := bk.side(counterDir)
	var out []*models.Order
	tree.Scan(func(lvl *priceLevel) bool {
		if capPrice != nil {
			if takerDir == models.Buy && lvl.price.GreaterThan(*capPrice) {
				return false
			}
			if takerDir == models.Sell && lvl.price.LessThan(*capPrice) {
				return false
			}
		}
		for _, o := range lvl.orders {
			if o.UserID == excludeUser {
				continue
			}
			out = append(out, o)
		}
		return true
	})
	return out
}

// BestPrice returns the best resting price on the given side, or false
// if the side is empty.
func (bk *Book) BestPrice(dir models.Direction) (decimal.Decimal, bool) {
	bk.mu.RLock()
	defer bk.mu.RUnlock()
	lvl, ok := bk.side(dir).Min()
	if !ok {
		return decimal.Zero, false
	}
	return lvl.price, true
}

// Levels returns up to depth aggregated (price, total qty) levels for
// each side, best price first, merging same-price resting orders.
func (bk *Book) Levels(depth int) (bids, asks []models.PriceLevel) {
	bk.mu.RLock()
	defer bk.mu.RUnlock()

	collect := func(tree *btree.BTreeG[*priceLevel]) []models.PriceLevel {
		var levels []models.PriceLevel
		tree.Scan(func(lvl *priceLevel) bool {
			if len(levels) >= depth {
				return false
			}
			qty := lvl.totalQty()
			if qty.Sign() > 0 {
				levels = append(levels, models.PriceLevel{Price: lvl.price, Qty: qty})
			}
			return true
		})
		return levels
	}
	return collect(bk.bids), collect(bk.asks)
}
