package engine

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/ledger"
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/orderstore"
	"order-matching-engine/internal/tradelog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Engine is the matching engine: it holds the DB handle and the three
// collaborators (ledger, order store, trade log) and runs submit_*/
// cancel under a single transaction per call. Per-ticker serialization
// is the caller's responsibility (internal/gateway); Engine assumes it
// is never entered twice concurrently for the same ticker.
type Engine struct {
	db     *sql.DB
	ledger *ledger.Ledger
	orders *orderstore.Store
	trades *tradelog.TradeLog

	instrumentsMu sync.RWMutex
	instruments   map[string]bool
}

// New constructs an Engine from already-prepared collaborators.
func New(db *sql.DB, l *ledger.Ledger, os *orderstore.Store, tl *tradelog.TradeLog) *Engine {
	return &Engine{db: db, ledger: l, orders: os, trades: tl, instruments: make(map[string]bool)}
}

// RegisterInstrument marks ticker as tradable so submit_* does not
// reject it with ValidationError. Idempotent.
func (e *Engine) RegisterInstrument(ticker string) {
	e.instrumentsMu.Lock()
	defer e.instrumentsMu.Unlock()
	e.instruments[ticker] = true
}

func (e *Engine) knowsInstrument(ticker string) bool {
	e.instrumentsMu.RLock()
	defer e.instrumentsMu.RUnlock()
	return e.instruments[ticker]
}

// Warmup restores resting orders from the DB into the in-memory book
// index. Call once at startup.
func (e *Engine) Warmup() (int, error) {
	return e.orders.LoadResting()
}

func (e *Engine) begin() (*sql.Tx, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to begin transaction", err)
	}
	return tx, nil
}

// SubmitMarket executes req as a MARKET order: all-or-nothing, never
// rests. Fails with InsufficientLiquidity if the book cannot fill it
// in full, without mutating any state.
func (e *Engine) SubmitMarket(req models.NewOrderRequest) (*models.Order, []models.Trade, error) {
	if req.Qty.Sign() <= 0 {
		return nil, nil, apperr.New(apperr.KindValidation, "qty must be positive")
	}
	if !e.knowsInstrument(req.Ticker) {
		return nil, nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown ticker %s", req.Ticker))
	}

	book := e.orders.Book(req.Ticker)
	offers := book.OffersAgainst(req.Direction, nil, req.UserID)

	available := decimal.Zero
	for _, o := range offers {
		available = available.Add(o.Remaining())
	}
	if available.LessThan(req.Qty) {
		return nil, nil, apperr.New(apperr.KindInsufficientLiquidity,
			fmt.Sprintf("book has %s available, need %s", available, req.Qty))
	}

	// Pre-scan the exact notional/qty the taker needs reserved before
	// touching the ledger or order store.
	// A market SELL simply needs its own qty of the ticker reserved; a
	// market BUY needs the exact RUB notional the matched fills will
	// cost, which this pre-scan computes without mutating anything.
	cost := req.Qty
	if req.Direction == models.Buy {
		cost = decimal.Zero
		remaining := req.Qty
		for _, o := range offers {
			if remaining.IsZero() {
				break
			}
			fill := fillQty(remaining, o.Remaining())
			cost = cost.Add(fill.Mul(*o.Price))
			remaining = remaining.Sub(fill)
		}
	}

	tx, err := e.begin()
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	reserveTicker := models.RUB
	if req.Direction == models.Sell {
		reserveTicker = req.Ticker
	}
	if err := e.ledger.Reserve(tx, req.UserID, reserveTicker, cost); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	now := time.Now()
	taker := &models.Order{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Ticker:    req.Ticker,
		Direction: req.Direction,
		Kind:      models.Market,
		Qty:       req.Qty,
		Filled:    decimal.Zero,
		Status:    models.StatusNew,
		Timestamp: now,
	}

	trades, err := e.matchAgainstBook(tx, taker, offers, now)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	taker.Status = models.StatusExecuted
	if err := e.orders.Insert(tx, taker); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindStorage, "failed to commit transaction", err)
	}
	return taker, trades, nil
}

// SubmitLimit executes req as a LIMIT order: matches immediately
// against any crossing offers, and rests the unfilled remainder
// (reserved at the worst-case notional) if any.
func (e *Engine) SubmitLimit(req models.NewOrderRequest) (*models.Order, []models.Trade, error) {
	if req.Qty.Sign() <= 0 {
		return nil, nil, apperr.New(apperr.KindValidation, "qty must be positive")
	}
	if req.Price == nil || req.Price.Sign() <= 0 {
		return nil, nil, apperr.New(apperr.KindValidation, "price must be positive for limit orders")
	}
	if !e.knowsInstrument(req.Ticker) {
		return nil, nil, apperr.New(apperr.KindValidation, fmt.Sprintf("unknown ticker %s", req.Ticker))
	}

	book := e.orders.Book(req.Ticker)
	offers := book.OffersAgainst(req.Direction, req.Price, req.UserID)

	tx, err := e.begin()
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	now := time.Now()
	taker := &models.Order{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Ticker:    req.Ticker,
		Direction: req.Direction,
		Kind:      models.Limit,
		Qty:       req.Qty,
		Price:     req.Price,
		Filled:    decimal.Zero,
		Status:    models.StatusNew,
		Timestamp: now,
	}

	trades, err := e.matchAgainstBook(tx, taker, offers, now)
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	remaining := taker.Remaining()
	if remaining.Sign() > 0 {
		reserveTicker, reserveAmount := req.Ticker, remaining
		if req.Direction == models.Buy {
			reserveTicker, reserveAmount = models.RUB, remaining.Mul(*req.Price)
		}
		if err := e.ledger.Reserve(tx, req.UserID, reserveTicker, reserveAmount); err != nil {
			tx.Rollback()
			return nil, nil, err
		}
	}
	taker.Status = models.StatusForFilled(taker.Qty, taker.Filled)

	if err := e.orders.Insert(tx, taker); err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindStorage, "failed to commit transaction", err)
	}
	return taker, trades, nil
}

// matchAgainstBook iterates offers (already ordered price-time-
// priority for taker) until taker is full or offers are exhausted,
// settling each fill through the ledger and persisting maker updates
// and trades. taker.Filled is mutated in place; nothing is persisted
// for taker itself.
func (e *Engine) matchAgainstBook(tx *sql.Tx, taker *models.Order, offers []*models.Order, executedAt time.Time) ([]models.Trade, error) {
	var trades []models.Trade

	for _, maker := range offers {
		remaining := taker.Remaining()
		if remaining.IsZero() {
			break
		}
		if taker.Kind == models.Limit && !crosses(taker.Direction, taker.Price, *maker.Price) {
			break
		}

		fill := fillQty(remaining, maker.Remaining())
		price := *maker.Price

		// A LIMIT taker reserves its side of each fill just before
		// settling it; a MARKET taker reserved its whole cost up front.
		if taker.Kind == models.Limit {
			resTicker, resAmount := taker.Ticker, fill
			if taker.Direction == models.Buy {
				resTicker, resAmount = models.RUB, fill.Mul(price)
			}
			if err := e.ledger.Reserve(tx, taker.UserID, resTicker, resAmount); err != nil {
				return nil, err
			}
		}

		buyer, seller := buyerSeller(taker, maker)
		if err := e.ledger.Settle(tx, buyer.UserID, seller.UserID, taker.Ticker, fill, price); err != nil {
			return nil, err
		}
		if err := e.orders.ApplyFill(tx, maker, fill); err != nil {
			return nil, err
		}

		trade := models.Trade{
			ID:           uuid.New(),
			Ticker:       taker.Ticker,
			MakerOrderID: maker.ID,
			TakerOrderID: taker.ID,
			BuyerID:      buyer.UserID,
			SellerID:     seller.UserID,
			Qty:          fill,
			Price:        price,
			Timestamp:    executedAt,
		}
		if err := e.trades.Append(tx, trade); err != nil {
			return nil, err
		}
		trades = append(trades, trade)

		taker.Filled = taker.Filled.Add(fill)
	}

	return trades, nil
}

// Cancel cancels order_id on behalf of caller, releasing any
// outstanding reservation. Idempotent on terminal orders. Returns the
// order's final state.
func (e *Engine) Cancel(callerID uuid.UUID, isAdmin bool, orderID uuid.UUID) (*models.Order, error) {
	tx, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	order, err := e.orders.GetByID(tx, orderID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	if order.UserID != callerID && !isAdmin {
		tx.Rollback()
		return nil, apperr.New(apperr.KindForbidden, "caller does not own this order")
	}
	if order.IsTerminal() {
		tx.Rollback()
		return order, nil
	}

	outstanding := order.Remaining()
	releaseTicker, releaseAmount := order.Ticker, outstanding
	if order.Direction == models.Buy {
		releaseTicker, releaseAmount = models.RUB, outstanding.Mul(*order.Price)
	}
	if err := e.ledger.Release(tx, order.UserID, releaseTicker, releaseAmount); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := e.orders.MarkCancelled(tx, order); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to commit transaction", err)
	}
	return order, nil
}
