package orderstore

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"order-matching-engine/internal/models"
	"order-matching-engine/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) (*Store, *sql.DB) {
	if os.Getenv("DB_DSN") == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}
	db, err := storage.Connect()
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))

	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec(`DELETE FROM orders WHERE ticker = 'ZZZ'`)
		s.Close()
		db.Close()
	})
	return s, db
}

func newTestOrder(user uuid.UUID, dir models.Direction, qty, price int64) *models.Order {
	p := decimal.NewFromInt(price)
	return &models.Order{
		ID:        uuid.New(),
		UserID:    user,
		Ticker:    "ZZZ",
		Direction: dir,
		Kind:      models.Limit,
		Qty:       decimal.NewFromInt(qty),
		Price:     &p,
		Filled:    decimal.Zero,
		Status:    models.StatusNew,
		Timestamp: time.Now(),
	}
}

func TestStore_InsertAndGetByID(t *testing.T) {
	s, db := testStore(t)
	o := newTestOrder(uuid.New(), models.Buy, 5, 100)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Insert(tx, o))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	fetched, err := s.GetByID(tx, o.ID)
	require.NoError(t, err)
	tx.Rollback()

	require.Equal(t, o.ID, fetched.ID)
	require.True(t, fetched.Qty.Equal(o.Qty))
	require.Equal(t, models.StatusNew, fetched.Status)

	require.NotNil(t, s.Book("ZZZ"))
	best, ok := s.Book("ZZZ").BestPrice(models.Buy)
	require.True(t, ok)
	require.True(t, best.Equal(decimal.NewFromInt(100)))
}

func TestStore_Insert_DuplicateRejected(t *testing.T) {
	s, db := testStore(t)
	o := newTestOrder(uuid.New(), models.Buy, 5, 100)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Insert(tx, o))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	err = s.Insert(tx, o)
	require.Error(t, err)
	tx.Rollback()
}

func TestStore_ApplyFill_RemovesExecutedFromBook(t *testing.T) {
	s, db := testStore(t)
	o := newTestOrder(uuid.New(), models.Sell, 5, 100)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Insert(tx, o))
	require.NoError(t, s.ApplyFill(tx, o, decimal.NewFromInt(5)))
	require.NoError(t, tx.Commit())

	require.Equal(t, models.StatusExecuted, o.Status)
	_, ok := s.Book("ZZZ").BestPrice(models.Sell)
	require.False(t, ok, "fully filled order should no longer rest")
}

func TestStore_MarkCancelled_IdempotentOnTerminal(t *testing.T) {
	s, db := testStore(t)
	o := newTestOrder(uuid.New(), models.Buy, 5, 100)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Insert(tx, o))
	require.NoError(t, s.MarkCancelled(tx, o))
	require.NoError(t, tx.Commit())
	require.Equal(t, models.StatusCancelled, o.Status)

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, s.MarkCancelled(tx, o), "cancelling an already-terminal order must be a no-op success")
	tx.Rollback()
}

func TestStore_LoadResting_RestoresBook(t *testing.T) {
	s, db := testStore(t)
	o := newTestOrder(uuid.New(), models.Buy, 5, 100)

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, s.Insert(tx, o))
	require.NoError(t, tx.Commit())

	fresh, err := New(db)
	require.NoError(t, err)
	defer fresh.Close()

	n, err := fresh.LoadResting()
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	best, ok := fresh.Book("ZZZ").BestPrice(models.Buy)
	require.True(t, ok)
	require.True(t, best.Equal(decimal.NewFromInt(100)))
}
