package marketdata

import (
	"github.com/Aidin1998/tickerex/internal/trading/model"
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// Level is the summed open quantity at one price
type Level struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// BookSnapshot is the top of a symbol's book, best price first on each side
type BookSnapshot struct {
	Symbol string  `json:"symbol"`
	Bids   []Level `json:"last_buy_orders"`
	Asks   []Level `json:"last_sell_orders"`
}

// Aggregate groups open orders of one side into at most depth price levels,
// best price first: highest for bids, lowest for asks
func Aggregate(orders []*model.Order, side model.Side, depth int) []Level {
	less := func(a, b *Level) bool { return a.Price.LessThan(b.Price) }
	if side == model.SideBuy {
		less = func(a, b *Level) bool { return a.Price.GreaterThan(b.Price) }
	}
	levels := btree.NewBTreeG[*Level](less)

	for _, o := range orders {
		if !o.IsOpen() || o.Side != side {
			continue
		}
		remaining := o.Remaining()
		if !remaining.IsPositive() {
			continue
		}
		if lvl, ok := levels.Get(&Level{Price: o.Price}); ok {
			lvl.Qty = lvl.Qty.Add(remaining)
			continue
		}
		levels.Set(&Level{Price: o.Price, Qty: remaining})
	}

	out := make([]Level, 0, min(depth, levels.Len()))
	levels.Scan(func(lvl *Level) bool {
		if len(out) >= depth {
			return false
		}
		out = append(out, *lvl)
		return true
	})
	return out
}
