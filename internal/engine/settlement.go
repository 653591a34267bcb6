package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/models"
)

// FeeAccountID is the user that collects taker fees. Created by the schema
// migration before any trading user can register.
const FeeAccountID int64 = 1

// buildMatch assembles one match step: the trade record, both orders'
// post-fill state, and the balance legs settlement must apply. price is the
// maker's resting price, qty the executed amount.
//
// Settlement legs, with P = trade price, q = qty, L = buyer's limit price:
//
//	buyer  quote: total -P*q, available +(L-P)*q  (release of over-reservation)
//	buyer  base:  total +q,   available +q        (minus fee when buyer takes)
//	seller base:  total -q                        (already locked at placement)
//	seller quote: total +P*q, available +P*q      (minus fee when seller takes)
//
// The taker fee comes out of the taker's received currency and is credited
// to the fee account, so every currency is conserved across the legs.
func buildMatch(pair models.TradingPair, taker, maker *models.Order, price, qty decimal.Decimal, now time.Time) Match {
	buyer, seller := taker, maker
	if taker.Side == models.SideSell {
		buyer, seller = maker, taker
	}

	quoteAmt := price.Mul(qty)
	release := buyer.Price.Sub(price).Mul(qty)

	buyerBaseCredit := qty
	sellerQuoteCredit := quoteAmt
	var fee decimal.Decimal
	feeCurrency := pair.BaseCurrency
	if taker.Side == models.SideBuy {
		fee = qty.Mul(pair.TakerFeeRate)
		buyerBaseCredit = qty.Sub(fee)
	} else {
		fee = quoteAmt.Mul(pair.TakerFeeRate)
		feeCurrency = pair.QuoteCurrency
		sellerQuoteCredit = quoteAmt.Sub(fee)
	}

	transfers := []BalanceChange{
		{
			UserID:         buyer.UserID,
			Currency:       pair.QuoteCurrency,
			TotalDelta:     quoteAmt.Neg(),
			AvailableDelta: release,
		},
		{
			UserID:         buyer.UserID,
			Currency:       pair.BaseCurrency,
			TotalDelta:     buyerBaseCredit,
			AvailableDelta: buyerBaseCredit,
		},
		{
			UserID:         seller.UserID,
			Currency:       pair.BaseCurrency,
			TotalDelta:     qty.Neg(),
			AvailableDelta: decimal.Zero,
		},
		{
			UserID:         seller.UserID,
			Currency:       pair.QuoteCurrency,
			TotalDelta:     sellerQuoteCredit,
			AvailableDelta: sellerQuoteCredit,
		},
	}
	if fee.Sign() > 0 {
		transfers = append(transfers, BalanceChange{
			UserID:         FeeAccountID,
			Currency:       feeCurrency,
			TotalDelta:     fee,
			AvailableDelta: fee,
		})
	}

	takerFilled := taker.Filled.Add(qty)
	makerFilled := maker.Filled.Add(qty)

	return Match{
		Trade: models.Trade{
			ID:          uuid.New(),
			BuyOrderID:  buyer.ID,
			SellOrderID: seller.ID,
			Pair:        pair.Symbol,
			Price:       price,
			Amount:      qty,
			TakerSide:   taker.Side,
			FeeAmount:   fee,
			FeeCurrency: feeCurrency,
			ExecutedAt:  now,
		},
		TakerFill: OrderFill{
			OrderID: taker.ID,
			Filled:  takerFilled,
			Status:  models.StatusForFill(takerFilled, taker.Amount),
		},
		MakerFill: OrderFill{
			OrderID: maker.ID,
			Filled:  makerFilled,
			Status:  models.StatusForFill(makerFilled, maker.Amount),
		},
		Transfers: transfers,
	}
}

// reservation returns the currency and amount locked when an order is
// placed: price*amount of quote for buys, amount of base for sells.
func reservation(pair models.TradingPair, side models.Side, price, amount decimal.Decimal) (string, decimal.Decimal) {
	if side == models.SideBuy {
		return pair.QuoteCurrency, price.Mul(amount)
	}
	return pair.BaseCurrency, amount
}
