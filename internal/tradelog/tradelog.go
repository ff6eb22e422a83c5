// Package tradelog is the append-only trade history: append under the
// enclosing matching transaction, list for history queries.
package tradelog

import (
	"database/sql"
	"fmt"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/models"

	"github.com/google/uuid"
)

// TradeLog owns the prepared insert statement for trades.
type TradeLog struct {
	db *sql.DB

	insertStmt *sql.Stmt
}

// New prepares the trade log's statements against db.
func New(db *sql.DB) (*TradeLog, error) {
	t := &TradeLog{db: db}
	var err error
	t.insertStmt, err = db.Prepare(`
		INSERT INTO trades (id, ticker, maker_order_id, taker_order_id, buyer_id, seller_id, qty, price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare trade insert statement: %w", err)
	}
	return t, nil
}

// Close releases the trade log's prepared statements.
func (t *TradeLog) Close() error {
	if t.insertStmt != nil {
		t.insertStmt.Close()
	}
	return nil
}

// Append persists a trade within tx.
func (t *TradeLog) Append(tx *sql.Tx, trade models.Trade) error {
	if trade.Qty.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "trade qty must be positive")
	}
	_, err := tx.Stmt(t.insertStmt).Exec(
		trade.ID.String(), trade.Ticker, trade.MakerOrderID.String(), trade.TakerOrderID.String(),
		trade.BuyerID.String(), trade.SellerID.String(), trade.Qty, trade.Price, trade.Timestamp,
	)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to append trade", err)
	}
	return nil
}

// Filter narrows a trade history query. Zero-value fields are
// unconstrained.
type Filter struct {
	User   uuid.UUID
	Ticker string
	Limit  int
}

// List returns trades matching filter, newest first.
func (t *TradeLog) List(filter Filter) ([]models.Trade, error) {
	query := `SELECT id, ticker, maker_order_id, taker_order_id, buyer_id, seller_id, qty, price, timestamp FROM trades WHERE 1=1`
	var args []any

	if filter.Ticker != "" {
		query += ` AND ticker = ?`
		args = append(args, filter.Ticker)
	}
	if filter.User != uuid.Nil {
		query += ` AND (buyer_id = ? OR seller_id = ?)`
		args = append(args, filter.User.String(), filter.User.String())
	}
	query += ` ORDER BY timestamp DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := t.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to query trades", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		var tr models.Trade
		var id, makerID, takerID, buyerID, sellerID string
		if err := rows.Scan(&id, &tr.Ticker, &makerID, &takerID, &buyerID, &sellerID, &tr.Qty, &tr.Price, &tr.Timestamp); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "failed to scan trade", err)
		}
		tr.ID = uuid.MustParse(id)
		tr.MakerOrderID = uuid.MustParse(makerID)
		tr.TakerOrderID = uuid.MustParse(takerID)
		tr.BuyerID = uuid.MustParse(buyerID)
		tr.SellerID = uuid.MustParse(sellerID)
		out = append(out, tr)
	}
	return out, rows.Err()
}
