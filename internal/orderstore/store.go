package orderstore

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store is the durable order log plus the per-ticker in-memory Book
// index used for matching. The DB is authoritative; Book mirrors it
// for resting orders only.
type Store struct {
	db *sql.DB

	insertStmt *sql.Stmt
	updateStmt *sql.Stmt
	selectStmt *sql.Stmt

	booksMu sync.RWMutex
	books   map[string]*Book
}

// New prepares the store's statements against db.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, books: make(map[string]*Book)}
	var err error

	s.insertStmt, err = db.Prepare(`
		INSERT INTO orders (id, user_id, ticker, direction, kind, qty, price, filled, status, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare order insert statement: %w", err)
	}

	s.updateStmt, err = db.Prepare(`
		UPDATE orders SET filled = ?, status = ? WHERE id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare order update statement: %w", err)
	}

	s.selectStmt, err = db.Prepare(`
		SELECT id, user_id, ticker, direction, kind, qty, price, filled, status, timestamp
		FROM orders WHERE id = ?
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare order select statement: %w", err)
	}

	return s, nil
}

// Close releases the store's prepared statements.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.updateStmt, s.selectStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return nil
}

// Book returns the in-memory index for ticker, creating it if absent.
func (s *Store) Book(ticker string) *Book {
	s.booksMu.RLock()
	b, ok := s.books[ticker]
	s.booksMu.RUnlock()
	if ok {
		return b
	}

	s.booksMu.Lock()
	defer s.booksMu.Unlock()
	if b, ok = s.books[ticker]; ok {
		return b
	}
	b = NewBook()
	s.books[ticker] = b
	return b
}

func scanOrder(row interface{ Scan(...any) error }) (*models.Order, error) {
	var o models.Order
	var id, userID string
	var price sql.NullString

	if err := row.Scan(&id, &userID, &o.Ticker, &o.Direction, &o.Kind, &o.Qty, &price, &o.Filled, &o.Status, &o.Timestamp); err != nil {
		return nil, err
	}
	o.ID = uuid.MustParse(id)
	o.UserID = uuid.MustParse(userID)
	if price.Valid {
		p, err := decimal.NewFromString(price.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse order price: %w", err)
		}
		o.Price = &p
	}
	return &o, nil
}

// Insert persists a new order; its status must be the one its filled
// quantity implies (NEW, PART_EXECUTED or EXECUTED). Reinserting the
// same ID fails with DuplicateOrder (the primary key enforces this;
// MySQL reports it as error 1062).
func (s *Store) Insert(tx *sql.Tx, o *models.Order) error {
	if o.Status != models.StatusForFilled(o.Qty, o.Filled) {
		return apperr.New(apperr.KindValidation, "inserted order status does not match its filled quantity")
	}
	var priceVal interface{}
	if o.Price != nil {
		priceVal = *o.Price
	}
	_, err := tx.Stmt(s.insertStmt).Exec(
		o.ID.String(), o.UserID.String(), o.Ticker, o.Direction, o.Kind,
		o.Qty, priceVal, o.Filled, o.Status, o.Timestamp,
	)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return apperr.Wrap(apperr.KindDuplicateOrder, fmt.Sprintf("order %s already exists", o.ID), err)
		}
		return apperr.Wrap(apperr.KindStorage, "failed to insert order", err)
	}
	if o.IsResting() {
		s.Book(o.Ticker).Add(o)
	}
	return nil
}

// isDuplicateKeyErr recognizes a MySQL duplicate-primary-key error
// (code 1062, "Duplicate entry ... for key 'PRIMARY'") by message
// substring, keeping the store decoupled from the driver's concrete
// *mysql.MySQLError type.
func isDuplicateKeyErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "1062")
}

// ApplyFill adds delta to filled and recomputes status, persisting the
// change. o is updated in place.
func (s *Store) ApplyFill(tx *sql.Tx, o *models.Order, delta decimal.Decimal) error {
	o.Filled = o.Filled.Add(delta)
	o.Status = models.StatusForFilled(o.Qty, o.Filled)
	if _, err := tx.Stmt(s.updateStmt).Exec(o.Filled, o.Status, o.ID.String()); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to persist fill", err)
	}
	if !o.IsResting() {
		s.Book(o.Ticker).Remove(o.ID.String(), o.Direction, o.Price)
	}
	return nil
}

// MarkCancelled transitions o to CANCELLED; only legal from NEW or
// PART_EXECUTED. Idempotent: cancelling an already-terminal order is a
// no-op success, not an error.
func (s *Store) MarkCancelled(tx *sql.Tx, o *models.Order) error {
	if o.IsTerminal() {
		return nil
	}
	o.Status = models.StatusCancelled
	if _, err := tx.Stmt(s.updateStmt).Exec(o.Filled, o.Status, o.ID.String()); err != nil {
		return apperr.Wrap(apperr.KindStorage, "failed to persist cancellation", err)
	}
	s.Book(o.Ticker).Remove(o.ID.String(), o.Direction, o.Price)
	return nil
}

// GetByID loads an order by ID within tx (so callers get a
// transactionally-consistent read before mutating it).
func (s *Store) GetByID(tx *sql.Tx, id uuid.UUID) (*models.Order, error) {
	row := tx.Stmt(s.selectStmt).QueryRow(id.String())
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("order %s not found", id))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to scan order", err)
	}
	return o, nil
}

// GetByIDUnlocked loads an order by ID outside any transaction, for
// read-only callers (e.g. the gateway resolving which ticker's lock a
// cancel needs before entering the engine).
func (s *Store) GetByIDUnlocked(id uuid.UUID) (*models.Order, error) {
	row := s.selectStmt.QueryRow(id.String())
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("order %s not found", id))
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to scan order", err)
	}
	return o, nil
}

// ListByUser returns a user's orders, optionally filtered by ticker,
// newest first.
func (s *Store) ListByUser(user uuid.UUID, ticker string) ([]*models.Order, error) {
	query := `
		SELECT id, user_id, ticker, direction, kind, qty, price, filled, status, timestamp
		FROM orders WHERE user_id = ?`
	args := []any{user.String()}
	if ticker != "" {
		query += ` AND ticker = ?`
		args = append(args, ticker)
	}
	query += ` ORDER BY timestamp DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "failed to list orders", err)
	}
	defer rows.Close()

	out := []*models.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "failed to scan order", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadResting restores every NEW/PART_EXECUTED order from the DB into
// its ticker's in-memory Book. Call once at startup.
func (s *Store) LoadResting() (int, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, ticker, direction, kind, qty, price, filled, status, timestamp
		FROM orders WHERE status IN (?, ?)
		ORDER BY timestamp ASC, id ASC
	`, models.StatusNew, models.StatusPartExecuted)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "failed to query resting orders", err)
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return loaded, apperr.Wrap(apperr.KindStorage, "failed to scan resting order", err)
		}
		s.Book(o.Ticker).Add(o)
		loaded++
	}
	return loaded, rows.Err()
}
