package engine

import (
	"testing"

	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
)

func TestFillQty(t *testing.T) {
	cases := []struct {
		name            string
		taker, maker    decimal.Decimal
		expectedMatched decimal.Decimal
	}{
		{"taker smaller", decimal.NewFromInt(3), decimal.NewFromInt(10), decimal.NewFromInt(3)},
		{"maker smaller", decimal.NewFromInt(10), decimal.NewFromInt(3), decimal.NewFromInt(3)},
		{"equal", decimal.NewFromInt(5), decimal.NewFromInt(5), decimal.NewFromInt(5)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := fillQty(c.taker, c.maker)
			if !got.Equal(c.expectedMatched) {
				t.Errorf("fillQty(%s, %s) = %s, want %s", c.taker, c.maker, got, c.expectedMatched)
			}
		})
	}
}

func TestCrosses(t *testing.T) {
	hundred := decimal.NewFromInt(100)
	ninety := decimal.NewFromInt(90)
	oneTen := decimal.NewFromInt(110)

	if !crosses(models.Buy, nil, hundred) {
		t.Error("market taker (nil price) should always cross")
	}
	if !crosses(models.Buy, &hundred, hundred) {
		t.Error("buy at maker price should cross")
	}
	if !crosses(models.Buy, &oneTen, hundred) {
		t.Error("buy above maker price should cross")
	}
	if crosses(models.Buy, &ninety, hundred) {
		t.Error("buy below maker price should not cross")
	}
	if !crosses(models.Sell, &hundred, hundred) {
		t.Error("sell at maker price should cross")
	}
	if !crosses(models.Sell, &ninety, hundred) {
		t.Error("sell below maker price should cross")
	}
	if crosses(models.Sell, &oneTen, hundred) {
		t.Error("sell above maker price should not cross")
	}
}

func TestBuyerSeller(t *testing.T) {
	buyTaker := &models.Order{Direction: models.Buy}
	sellMaker := &models.Order{Direction: models.Sell}

	buyer, seller := buyerSeller(buyTaker, sellMaker)
	if buyer != buyTaker || seller != sellMaker {
		t.Error("expected taker as buyer, maker as seller when taker is BUY")
	}

	sellTaker := &models.Order{Direction: models.Sell}
	buyMaker := &models.Order{Direction: models.Buy}
	buyer, seller = buyerSeller(sellTaker, buyMaker)
	if buyer != buyMaker || seller != sellTaker {
		t.Error("expected maker as buyer, taker as seller when taker is SELL")
	}
}

func TestCounterDirection(t *testing.T) {
	if counterDirection(models.Buy) != models.Sell {
		t.Error("counter of BUY should be SELL")
	}
	if counterDirection(models.Sell) != models.Buy {
		t.Error("counter of SELL should be BUY")
	}
}
