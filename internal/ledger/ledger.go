// Package ledger implements the per-(user, ticker) balance primitives:
// credit, debit, reserve, release and the atomic settle used by the
// matching engine. Every operation runs against a caller-supplied
// *sql.Tx so it composes into the single transaction each engine entry
// point opens.
package ledger

import (
	"database/sql"
	"fmt"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger owns the prepared statements for balance reads/writes.
type Ledger struct {
	db *sql.DB

	selectStmt *sql.Stmt
	upsertStmt *sql.Stmt
}

// New prepares the ledger's statements against db.
func New(db *sql.DB) (*Ledger, error) {
	l := &Ledger{db: db}
	var err error

	l.selectStmt, err = db.Prepare(`
		SELECT total, reserved FROM user_balance WHERE user_id = ? AND ticker = ? FOR UPDATE
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare balance select statement: %w", err)
	}

	l.upsertStmt, err = db.Prepare(`
		INSERT INTO user_balance (user_id, ticker, total, reserved) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE total = VALUES(total), reserved = VALUES(reserved)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare balance upsert statement: %w", err)
	}

	return l, nil
}

// Close releases the ledger's prepared statements.
func (l *Ledger) Close() error {
	for _, s := range []*sql.Stmt{l.selectStmt, l.upsertStmt} {
		if s != nil {
			s.Close()
		}
	}
	return nil
}

// Begin starts a transaction for a single ledger operation (deposit,
// withdraw) that does not belong to a larger matching transaction.
func (l *Ledger) Begin() (*sql.Tx, error) {
	tx, err := l.db.Begin()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to begin transaction", err)
	}
	return tx, nil
}

// BeginReadOnly starts a transaction for a read-only query (get_balance).
func (l *Ledger) BeginReadOnly() (*sql.Tx, error) {
	return l.Begin()
}

// load reads a balance row within tx, returning a zero row if absent.
// The row is locked FOR UPDATE so concurrent settlements on the same
// (user, ticker) pair serialize at the storage layer.
func (l *Ledger) load(tx *sql.Tx, user uuid.UUID, ticker string) (models.Balance, error) {
	row := tx.Stmt(l.selectStmt).QueryRow(user.String(), ticker)
	var total, reserved decimal.Decimal
	err := row.Scan(&total, &reserved)
	switch {
	case err == sql.ErrNoRows:
		return models.Balance{UserID: user, Ticker: ticker, Total: decimal.Zero, Reserved: decimal.Zero}, nil
	case err != nil:
		return models.Balance{}, apperr.Wrap(apperr.KindStorage, "failed to read balance", err)
	}
	return models.Balance{UserID: user, Ticker: ticker, Total: total, Reserved: reserved}, nil
}

// save writes b back, creating the row on first credit for that ticker.
func (l *Ledger) save(tx *sql.Tx, b models.Balance) error {
	if _, err := tx.Stmt(l.upsertStmt).Exec(b.UserID.String(), b.Ticker, b.Total, b.Reserved); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to write balance", err)
	}
	return nil
}

func checkInvariant(b models.Balance) error {
	if b.Reserved.IsNegative() || b.Total.IsNegative() || b.Reserved.GreaterThan(b.Total) {
		return apperr.New(apperr.KindLedgerInvariant,
			fmt.Sprintf("balance invariant violated for %s/%s: total=%s reserved=%s",
				b.UserID, b.Ticker, b.Total, b.Reserved))
	}
	return nil
}

// Credit adds amount to total, creating the balance row if absent.
func (l *Ledger) Credit(tx *sql.Tx, user uuid.UUID, ticker string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "credit amount must be positive")
	}
	b, err := l.load(tx, user, ticker)
	if err != nil {
		return err
	}
	b.Total = b.Total.Add(amount)
	if err := checkInvariant(b); err != nil {
		return err
	}
	return l.save(tx, b)
}

// Debit subtracts amount from total; requires available >= amount.
func (l *Ledger) Debit(tx *sql.Tx, user uuid.UUID, ticker string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "debit amount must be positive")
	}
	b, err := l.load(tx, user, ticker)
	if err != nil {
		return err
	}
	if b.Available().LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds,
			fmt.Sprintf("debit %s exceeds available %s for %s/%s", amount, b.Available(), user, ticker))
	}
	b.Total = b.Total.Sub(amount)
	if err := checkInvariant(b); err != nil {
		return err
	}
	return l.save(tx, b)
}

// Reserve moves amount from available into reserved.
func (l *Ledger) Reserve(tx *sql.Tx, user uuid.UUID, ticker string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "reserve amount must be positive")
	}
	b, err := l.load(tx, user, ticker)
	if err != nil {
		return err
	}
	if b.Available().LessThan(amount) {
		return apperr.New(apperr.KindInsufficientFunds,
			fmt.Sprintf("reserve %s exceeds available %s for %s/%s", amount, b.Available(), user, ticker))
	}
	b.Reserved = b.Reserved.Add(amount)
	if err := checkInvariant(b); err != nil {
		return err
	}
	return l.save(tx, b)
}

// Release moves amount from reserved back to available.
func (l *Ledger) Release(tx *sql.Tx, user uuid.UUID, ticker string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "release amount must be positive")
	}
	b, err := l.load(tx, user, ticker)
	if err != nil {
		return err
	}
	if b.Reserved.LessThan(amount) {
		return apperr.New(apperr.KindLedgerInvariant,
			fmt.Sprintf("release %s exceeds reserved %s for %s/%s", amount, b.Reserved, user, ticker))
	}
	b.Reserved = b.Reserved.Sub(amount)
	return l.save(tx, b)
}

// Settle is the atomic trade primitive: moves qty of ticker from
// seller's reserved+total to buyer's total, and qty*price of RUB from
// buyer's reserved+total to seller's total. All four balance rows are
// invariant-checked before any is written; any violation aborts with
// LedgerInvariantViolation and the caller must roll back the enclosing
// transaction.
func (l *Ledger) Settle(tx *sql.Tx, buyer, seller uuid.UUID, ticker string, qty, price decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "settle qty must be positive")
	}
	if price.Sign() <= 0 {
		return apperr.New(apperr.KindValidation, "settle price must be positive")
	}
	if buyer == seller {
		return apperr.New(apperr.KindValidation, "settle buyer and seller must differ")
	}
	notional := qty.Mul(price)

	sellerAsset, err := l.load(tx, seller, ticker)
	if err != nil {
		return err
	}
	buyerAsset, err := l.load(tx, buyer, ticker)
	if err != nil {
		return err
	}
	buyerQuote, err := l.load(tx, buyer, models.RUB)
	if err != nil {
		return err
	}
	sellerQuote, err := l.load(tx, seller, models.RUB)
	if err != nil {
		return err
	}

	if sellerAsset.Reserved.LessThan(qty) {
		return apperr.New(apperr.KindLedgerInvariant,
			fmt.Sprintf("seller %s reserved %s insufficient for settle qty %s of %s", seller, sellerAsset.Reserved, qty, ticker))
	}
	if buyerQuote.Reserved.LessThan(notional) {
		return apperr.New(apperr.KindLedgerInvariant,
			fmt.Sprintf("buyer %s reserved %s RUB insufficient for settle notional %s", buyer, buyerQuote.Reserved, notional))
	}

	sellerAsset.Reserved = sellerAsset.Reserved.Sub(qty)
	sellerAsset.Total = sellerAsset.Total.Sub(qty)
	buyerAsset.Total = buyerAsset.Total.Add(qty)
	buyerQuote.Reserved = buyerQuote.Reserved.Sub(notional)
	buyerQuote.Total = buyerQuote.Total.Sub(notional)
	sellerQuote.Total = sellerQuote.Total.Add(notional)

	for _, b := range []models.Balance{sellerAsset, buyerAsset, buyerQuote, sellerQuote} {
		if err := checkInvariant(b); err != nil {
			return err
		}
	}

	for _, b := range []models.Balance{sellerAsset, buyerAsset, buyerQuote, sellerQuote} {
		if err := l.save(tx, b); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the current balance row for (user, ticker), zero-valued
// if the row does not yet exist.
func (l *Ledger) Get(tx *sql.Tx, user uuid.UUID, ticker string) (models.Balance, error) {
	return l.load(tx, user, ticker)
}

// GetAll returns every balance row held by user, keyed by ticker.
func (l *Ledger) GetAll(tx *sql.Tx, user uuid.UUID) (map[string]models.Balance, error) {
	rows, err := tx.Query(`SELECT ticker, total, reserved FROM user_balance WHERE user_id = ?`, user.String())
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to list balances", err)
	}
	defer rows.Close()

	out := make(map[string]models.Balance)
	for rows.Next() {
		var b models.Balance
		b.UserID = user
		if err := rows.Scan(&b.Ticker, &b.Total, &b.Reserved); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "failed to scan balance row", err)
		}
		out[b.Ticker] = b
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed iterating balances", err)
	}
	return out, nil
}
