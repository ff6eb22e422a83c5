package ledger

import (
	"database/sql"
	"os"
	"testing"

	"order-matching-engine/internal/apperr"
	"order-matching-engine/internal/models"
	"order-matching-engine/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testLedger(t *testing.T) (*Ledger, *sql.DB) {
	if os.Getenv("DB_DSN") == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}
	db, err := storage.Connect()
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))

	l, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.Close()
		db.Close()
	})
	return l, db
}

func TestLedger_CreditDebit(t *testing.T) {
	l, db := testLedger(t)
	user := uuid.New()
	t.Cleanup(func() { db.Exec(`DELETE FROM user_balance WHERE user_id = ?`, user.String()) })

	tx, err := l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Credit(tx, user, "AAA", decimal.NewFromInt(100)))
	require.NoError(t, l.Debit(tx, user, "AAA", decimal.NewFromInt(40)))
	require.NoError(t, tx.Commit())

	tx, err = l.Begin()
	require.NoError(t, err)
	b, err := l.Get(tx, user, "AAA")
	require.NoError(t, err)
	tx.Rollback()

	require.True(t, b.Total.Equal(decimal.NewFromInt(60)))
	require.True(t, b.Available().Equal(decimal.NewFromInt(60)))
}

func TestLedger_Debit_InsufficientFunds(t *testing.T) {
	l, db := testLedger(t)
	user := uuid.New()
	t.Cleanup(func() { db.Exec(`DELETE FROM user_balance WHERE user_id = ?`, user.String()) })

	tx, err := l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Credit(tx, user, "AAA", decimal.NewFromInt(10)))

	err = l.Debit(tx, user, "AAA", decimal.NewFromInt(20))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
	tx.Rollback()
}

func TestLedger_ReserveRelease(t *testing.T) {
	l, db := testLedger(t)
	user := uuid.New()
	t.Cleanup(func() { db.Exec(`DELETE FROM user_balance WHERE user_id = ?`, user.String()) })

	tx, err := l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Credit(tx, user, "RUB", decimal.NewFromInt(1000)))
	require.NoError(t, l.Reserve(tx, user, "RUB", decimal.NewFromInt(500)))
	require.NoError(t, tx.Commit())

	tx, err = l.Begin()
	require.NoError(t, err)
	b, err := l.Get(tx, user, "RUB")
	require.NoError(t, err)
	tx.Rollback()
	require.True(t, b.Available().Equal(decimal.NewFromInt(500)))

	tx, err = l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Release(tx, user, "RUB", decimal.NewFromInt(500)))
	require.NoError(t, tx.Commit())

	tx, err = l.Begin()
	require.NoError(t, err)
	b, err = l.Get(tx, user, "RUB")
	require.NoError(t, err)
	tx.Rollback()
	require.True(t, b.Available().Equal(decimal.NewFromInt(1000)))
	require.True(t, b.Reserved.IsZero())
}

// TestLedger_Settle verifies a 10-unit AAA trade at 100 RUB settles
// qty from the seller's reservation and notional from the buyer's
// reservation in one atomic step.
func TestLedger_Settle(t *testing.T) {
	l, db := testLedger(t)
	buyer, seller := uuid.New(), uuid.New()
	t.Cleanup(func() {
		db.Exec(`DELETE FROM user_balance WHERE user_id IN (?, ?)`, buyer.String(), seller.String())
	})

	tx, err := l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Credit(tx, buyer, models.RUB, decimal.NewFromInt(1000)))
	require.NoError(t, l.Reserve(tx, buyer, models.RUB, decimal.NewFromInt(1000)))
	require.NoError(t, l.Credit(tx, seller, "AAA", decimal.NewFromInt(10)))
	require.NoError(t, l.Reserve(tx, seller, "AAA", decimal.NewFromInt(10)))
	require.NoError(t, tx.Commit())

	tx, err = l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Settle(tx, buyer, seller, "AAA", decimal.NewFromInt(10), decimal.NewFromInt(100)))
	require.NoError(t, tx.Commit())

	tx, err = l.Begin()
	require.NoError(t, err)
	buyerRUB, err := l.Get(tx, buyer, models.RUB)
	require.NoError(t, err)
	buyerAAA, err := l.Get(tx, buyer, "AAA")
	require.NoError(t, err)
	sellerRUB, err := l.Get(tx, seller, models.RUB)
	require.NoError(t, err)
	sellerAAA, err := l.Get(tx, seller, "AAA")
	require.NoError(t, err)
	tx.Rollback()

	require.True(t, buyerRUB.Total.IsZero(), "buyer spent all RUB")
	require.True(t, buyerAAA.Total.Equal(decimal.NewFromInt(10)), "buyer received AAA")
	require.True(t, sellerRUB.Total.Equal(decimal.NewFromInt(1000)), "seller received RUB")
	require.True(t, sellerAAA.Total.IsZero(), "seller gave up AAA")
	require.True(t, buyerRUB.Reserved.IsZero())
	require.True(t, sellerAAA.Reserved.IsZero())
}

func TestLedger_Settle_InvariantViolation(t *testing.T) {
	l, db := testLedger(t)
	buyer, seller := uuid.New(), uuid.New()
	t.Cleanup(func() {
		db.Exec(`DELETE FROM user_balance WHERE user_id IN (?, ?)`, buyer.String(), seller.String())
	})

	// Neither side reserved anything: settle must refuse rather than
	// drive a balance negative.
	tx, err := l.Begin()
	require.NoError(t, err)
	err = l.Settle(tx, buyer, seller, "AAA", decimal.NewFromInt(10), decimal.NewFromInt(100))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindLedgerInvariant))
	tx.Rollback()
}

// TestLedger_Settle_RejectsSelfTrade verifies Settle refuses a buyer
// and seller that are the same user, even if both legs of balance
// lookups would otherwise look individually valid — a defense-in-depth
// check behind the matching engine's own exclusion of a taker's own
// resting orders from the offers it can cross.
func TestLedger_Settle_RejectsSelfTrade(t *testing.T) {
	l, db := testLedger(t)
	user := uuid.New()
	t.Cleanup(func() {
		db.Exec(`DELETE FROM user_balance WHERE user_id = ?`, user.String())
	})

	tx, err := l.Begin()
	require.NoError(t, err)
	require.NoError(t, l.Credit(tx, user, models.RUB, decimal.NewFromInt(1000)))
	require.NoError(t, l.Reserve(tx, user, models.RUB, decimal.NewFromInt(1000)))
	require.NoError(t, l.Credit(tx, user, "AAA", decimal.NewFromInt(10)))
	require.NoError(t, l.Reserve(tx, user, "AAA", decimal.NewFromInt(10)))
	require.NoError(t, tx.Commit())

	tx, err = l.Begin()
	require.NoError(t, err)
	err = l.Settle(tx, user, user, "AAA", decimal.NewFromInt(10), decimal.NewFromInt(100))
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindValidation))
	tx.Rollback()
}
