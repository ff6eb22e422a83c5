// Package engine is the matching engine: price-time priority matching
// with partial fills, coordinated against the ledger and order store
// inside a single transaction per entry point.
package engine

import (
	"order-matching-engine/internal/models"

	"github.com/shopspring/decimal"
)

// fillQty returns the quantity consumed when taker crosses maker: the
// lesser of each side's remaining quantity.
func fillQty(takerRemaining, makerRemaining decimal.Decimal) decimal.Decimal {
	if makerRemaining.LessThan(takerRemaining) {
		return makerRemaining
	}
	return takerRemaining
}

// crosses reports whether a LIMIT taker's price crosses a resting
// maker price. A nil takerPrice (MARKET order) crosses anything, since
// market takers only ever see offers already selected from the book's
// best side.
func crosses(takerDir models.Direction, takerPrice *decimal.Decimal, makerPrice decimal.Decimal) bool {
	if takerPrice == nil {
		return true
	}
	if takerDir == models.Buy {
		return takerPrice.GreaterThanOrEqual(makerPrice)
	}
	return takerPrice.LessThanOrEqual(makerPrice)
}

// buyerSeller resolves which side of a (taker, maker) pair is the
// buyer and which is the seller.
func buyerSeller(taker, maker *models.Order) (buyer, seller *models.Order) {
	if taker.Direction == models.Buy {
		return taker, maker
	}
	return maker, taker
}

// counterDirection returns the book side a taker on dir consumes.
func counterDirection(dir models.Direction) models.Direction {
	if dir == models.Buy {
		return models.Sell
	}
	return models.Buy
}
