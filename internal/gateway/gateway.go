// Package gateway is the narrow façade in front of the matching
// engine: it validates input, authorizes the caller, serializes
// concurrent activity per ticker through a supervised worker pool, and
// maps engine errors onto the apperr taxonomy (already typed at the
// source; this layer mostly just enforces authorization and shape).
package gateway

import (
	"fmt"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/auth"
	"order-matching-engine/internal/engine"
	"order-matching-engine/internal/ledger"
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/orderstore"
	"order-matching-engine/internal/tradelog"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	tomb "gopkg.in/tomb.v2"
)

// Gateway is the exchange's public operation surface.
type Gateway struct {
	eng    *engine.Engine
	ledger *ledger.Ledger
	orders *orderstore.Store
	trades *tradelog.TradeLog

	pool  *workerPool
	ticks *tickerLocks
	t     tomb.Tomb
}

// New constructs a Gateway and starts its worker pool.
func New(eng *engine.Engine, l *ledger.Ledger, os *orderstore.Store, tl *tradelog.TradeLog, workers int) *Gateway {
	g := &Gateway{
		eng:    eng,
		ledger: l,
		orders: os,
		trades: tl,
		pool:   newWorkerPool(workers),
		ticks:  newTickerLocks(),
	}
	g.pool.Start(&g.t)
	return g
}

// Shutdown stops the worker pool and waits for in-flight jobs to
// finish their transaction. A job already past the per-ticker lock
// runs to commit or abort regardless of Shutdown having been called.
func (g *Gateway) Shutdown() error {
	g.t.Kill(nil)
	return g.t.Wait()
}

// runOnTicker dispatches fn to the worker pool, holding ticker's lock
// for fn's entire duration. Blocks until fn returns.
func (g *Gateway) runOnTicker(ticker string, fn func() error) error {
	var result error
	g.pool.Dispatch(func() {
		lock := g.ticks.get(ticker)
		lock.Lock()
		defer lock.Unlock()
		result = fn()
	})
	return result
}

// SubmitOrder validates req, authorizes caller, and runs it through
// the matching engine under the ticker's lock.
func (g *Gateway) SubmitOrder(caller auth.Caller, req models.NewOrderRequest) (*models.Order, []models.Trade, error) {
	req.UserID = caller.UserID
	if err := validateNewOrder(req); err != nil {
		return nil, nil, err
	}

	var order *models.Order
	var trades []models.Trade
	err := g.runOnTicker(req.Ticker, func() error {
		var err error
		if req.Kind == models.Market {
			order, trades, err = g.eng.SubmitMarket(req)
		} else {
			order, trades, err = g.eng.SubmitLimit(req)
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("ticker", req.Ticker).Str("user", req.UserID.String()).Msg("submit_order failed")
		return nil, nil, err
	}
	log.Info().Str("order_id", order.ID.String()).Str("status", string(order.Status)).Int("trades", len(trades)).Msg("submit_order processed")
	return order, trades, nil
}

func validateNewOrder(req models.NewOrderRequest) error {
	if req.Ticker == "" {
		return apperr.New(apperr.KindValidation, "ticker is required")
	}
	if req.Direction != models.Buy && req.Direction != models.Sell {
		return apperr.New(apperr.KindValidation, "direction must be BUY or SELL")
	}
	if req.Kind != models.Market && req.Kind != models.Limit {
		return apperr.New(apperr.KindValidation, "kind must be MARKET or LIMIT")
	}
	if req.Qty.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "qty must be positive")
	}
	if req.Kind == models.Limit && (req.Price == nil || req.Price.Sign() <= 0) {
		return apperr.New(apperr.KindValidation, "price is required and must be positive for limit orders")
	}
	if req.Kind == models.Market && req.Price != nil {
		return apperr.New(apperr.KindValidation, "market orders may not specify a price")
	}
	return nil
}

// CancelOrder cancels orderID on caller's behalf (or any order, if
// caller is ADMIN).
func (g *Gateway) CancelOrder(caller auth.Caller, orderID uuid.UUID) (*models.Order, error) {
	// The order's ticker is not known until it is loaded, but the
	// ticker lock must be held for the whole cancel; load it
	// read-only first (outside any lock) to learn the ticker.
	// Engine.Cancel re-reads the order transactionally and is the
	// authoritative ownership/terminality check.
	order, err := g.findOrderTicker(orderID)
	if err != nil {
		return nil, err
	}

	var result *models.Order
	err = g.runOnTicker(order.Ticker, func() error {
		var err error
		result, err = g.eng.Cancel(caller.UserID, caller.IsAdmin(), orderID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID.String()).Msg("cancel_order failed")
		return nil, err
	}
	log.Info().Str("order_id", orderID.String()).Str("status", string(result.Status)).Msg("cancel_order processed")
	return result, nil
}

// findOrderTicker loads an order without holding any ticker lock, only
// to learn which lock Cancel needs; Engine.Cancel re-reads the order
// transactionally before acting on it.
func (g *Gateway) findOrderTicker(orderID uuid.UUID) (*models.Order, error) {
	return g.orders.GetByIDUnlocked(orderID)
}

// GetOrder returns an order by ID; only its owner or an ADMIN may view it.
func (g *Gateway) GetOrder(caller auth.Caller, orderID uuid.UUID) (*models.Order, error) {
	order, err := g.orders.GetByIDUnlocked(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != caller.UserID && !caller.IsAdmin() {
		return nil, apperr.New(apperr.KindForbidden, "caller does not own this order")
	}
	return order, nil
}

// ListOrders returns caller's own orders, optionally filtered by ticker.
func (g *Gateway) ListOrders(caller auth.Caller, ticker string) ([]*models.Order, error) {
	return g.orders.ListByUser(caller.UserID, ticker)
}

// GetOrderBook returns an aggregated L2 snapshot truncated to depth.
func (g *Gateway) GetOrderBook(ticker string, depth int) (models.OrderBookSnapshot, error) {
	if depth < 1 {
		depth = 10
	}
	bids, asks := g.orders.Book(ticker).Levels(depth)
	return models.OrderBookSnapshot{Ticker: ticker, Bids: bids, Asks: asks}, nil
}

// ListTrades returns the most recent trades for ticker.
func (g *Gateway) ListTrades(ticker string, limit int) ([]models.Trade, error) {
	return g.trades.List(tradelog.Filter{Ticker: ticker, Limit: limit})
}

// GetBalance returns caller's balances keyed by ticker.
func (g *Gateway) GetBalance(caller auth.Caller) (map[string]models.BalanceView, error) {
	tx, err := g.ledger.BeginReadOnly()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	balances, err := g.ledger.GetAll(tx, caller.UserID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.BalanceView, len(balances))
	for ticker, b := range balances {
		out[ticker] = models.BalanceView{Total: b.Total, Reserved: b.Reserved, Available: b.Available()}
	}
	return out, nil
}

// Deposit credits user's balance. ADMIN only.
func (g *Gateway) Deposit(caller auth.Caller, user uuid.UUID, ticker string, amount decimal.Decimal) error {
	if !caller.IsAdmin() {
		return apperr.New(apperr.KindForbidden, "deposit requires admin role")
	}
	tx, err := g.ledger.Begin()
	if err != nil {
		return err
	}
	if err := g.ledger.Credit(tx, user, ticker, amount); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to commit deposit", err)
	}
	return nil
}

// Withdraw debits user's balance. ADMIN only. Uses the same debit
// primitive as any caller, so it respects reserved funds and will
// not reduce a balance below its reserved amount.
func (g *Gateway) Withdraw(caller auth.Caller, user uuid.UUID, ticker string, amount decimal.Decimal) error {
	if !caller.IsAdmin() {
		return apperr.New(apperr.KindForbidden, "withdraw requires admin role")
	}
	tx, err := g.ledger.Begin()
	if err != nil {
		return err
	}
	if err := g.ledger.Debit(tx, user, ticker, amount); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to commit withdrawal", err)
	}
	return nil
}

// Warmup restores resting orders into the in-memory book index.
func (g *Gateway) Warmup() error {
	n, err := g.eng.Warmup()
	if err != nil {
		return fmt.Errorf("failed to warm up order books: %w", err)
	}
	log.Info().Int("orders", n).Msg("restored resting orders")
	return nil
}

// RegisterInstrument marks ticker as tradable.
func (g *Gateway) RegisterInstrument(ticker string) {
	g.eng.RegisterInstrument(ticker)
}
