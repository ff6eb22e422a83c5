package tradelog

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

func testTradeLog(t *testing.T) (*TradeLog, *sql.DB) {
	if os.Getenv("DB_DSN") == "" {
		t.Skip("DB_DSN environment variable not set, skipping integration test")
	}
	db, err := storage.Connect()
	require.NoError(t, err)
	require.NoError(t, storage.Migrate(db))

	tl, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec(`DELETE FROM trades WHERE ticker = 'YYY'`)
		tl.Close()
		db.Close()
	})
	return tl, db
}

func TestTradeLog_AppendAndList(t *testing.T) {
	tl, db := testTradeLog(t)
	buyer, seller := uuid.New(), uuid.New()

	trade := models.Trade{
		ID: uuid.New(), Ticker: "YYY", MakerOrderID: uuid.New(), TakerOrderID: uuid.New(),
		BuyerID: buyer, SellerID: seller, Qty: decimal.NewFromInt(3), Price: decimal.NewFromInt(50),
		Timestamp: time.Now(),
	}

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, tl.Append(tx, trade))
	require.NoError(t, tx.Commit())

	trades, err := tl.List(Filter{Ticker: "YYY"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, trade.ID, trades[0].ID)
	require.True(t, trades[0].Qty.Equal(decimal.NewFromInt(3)))
}

func TestTradeLog_Append_RejectsNonPositiveQty(t *testing.T) {
	tl, db := testTradeLog(t)

	trade := models.Trade{
		ID: uuid.New(), Ticker: "YYY", MakerOrderID: uuid.New(), TakerOrderID: uuid.New(),
		BuyerID: uuid.New(), SellerID: uuid.New(), Qty: decimal.Zero, Price: decimal.NewFromInt(50),
		Timestamp: time.Now(),
	}

	tx, err := db.Begin()
	require.NoError(t, err)
	err = tl.Append(tx, trade)
	require.Error(t, err)
	tx.Rollback()
}

func TestTradeLog_List_RespectsLimit(t *testing.T) {
	tl, db := testTradeLog(t)

	for i := 0; i < 5; i++ {
		trade := models.Trade{
			ID: uuid.New(), Ticker: "YYY", MakerOrderID: uuid.New(), TakerOrderID: uuid.New(),
			BuyerID: uuid.New(), SellerID: uuid.New(), Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(50),
			Timestamp: time.Now(),
		}
		tx, err := db.Begin()
		require.NoError(t, err)
		require.NoError(t, tl.Append(tx, trade))
		require.NoError(t, tx.Commit())
	}

	trades, err := tl.List(Filter{Ticker: "YYY", Limit: 2})
	require.NoError(t, err)
	require.Len(t, trades, 2)
}
