package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// FILL BOOKING
// ═══════════════════════════════════════════════════════════════════════════════
//
// One entry point for every fill, whatever reported it: the paper simulator
// or the reconciliation worker reading broker truth. Order row first, then
// the position under its (session, symbol) lock. Quantities from the broker
// are CUMULATIVE; only the delta against the stored row is booked.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ApplyFill books a (possibly partial) fill against the order and its
// position. Returns the realized P&L delta from any closing quantity, which
// callers feed to the risk engine's post-fill breach check. Re-applying an
// already-booked quantity is a no-op.
func ApplyFill(ctx context.Context, store storage.Store, sessionID string, o *types.Order, filledQty int, avgPrice decimal.Decimal, actor string, at time.Time) (decimal.Decimal, error) {
	delta := filledQty - o.FilledQty
	if delta <= 0 {
		return decimal.Zero, nil
	}

	if err := store.ApplyOrderFill(ctx, o.ID, filledQty, avgPrice, actor, at); err != nil {
		return decimal.Zero, fmt.Errorf("apply fill to order %s: %w", o.ID, err)
	}

	realized := decimal.Zero
	acquired, err := store.WithPositionLock(ctx, sessionID, o.Symbol, storage.PositionLockTimeout, func(tx storage.Tx) error {
		pos, perr := tx.PositionForUpdate(ctx, sessionID, o.Symbol, o.ProductType)
		if errors.Is(perr, storage.ErrNotFound) {
			pos = &types.Position{
				SessionID:       sessionID,
				Symbol:          o.Symbol,
				ProductType:     o.ProductType,
				ReconcileStatus: types.PositionPending,
			}
		} else if perr != nil {
			return perr
		}

		realized = bookQuantity(pos, o.Side, delta, avgPrice)
		return tx.UpsertPosition(ctx, pos)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if !acquired {
		return decimal.Zero, fmt.Errorf("position lock timeout for %s", o.Symbol)
	}
	return realized, nil
}

// bookQuantity nets qty at price into the position and returns the realized
// P&L from the portion that closed existing exposure. Buy and sell VWAPs
// accumulate for the day; net quantity may flip sign in one fill.
func bookQuantity(p *types.Position, side types.OrderSide, qty int, price decimal.Decimal) decimal.Decimal {
	realized := decimal.Zero
	q := decimal.NewFromInt(int64(qty))

	if side == types.SideBuy {
		if p.NetQty < 0 {
			closeQty := qty
			if -p.NetQty < closeQty {
				closeQty = -p.NetQty
			}
			realized = p.AvgSellPrice.Sub(price).Mul(decimal.NewFromInt(int64(closeQty)))
		}
		total := decimal.NewFromInt(int64(p.BuyQty)).Mul(p.AvgBuyPrice).Add(q.Mul(price))
		p.BuyQty += qty
		p.AvgBuyPrice = total.Div(decimal.NewFromInt(int64(p.BuyQty)))
		p.NetQty += qty
	} else {
		if p.NetQty > 0 {
			closeQty := qty
			if p.NetQty < closeQty {
				closeQty = p.NetQty
			}
			realized = price.Sub(p.AvgBuyPrice).Mul(decimal.NewFromInt(int64(closeQty)))
		}
		total := decimal.NewFromInt(int64(p.SellQty)).Mul(p.AvgSellPrice).Add(q.Mul(price))
		p.SellQty += qty
		p.AvgSellPrice = total.Div(decimal.NewFromInt(int64(p.SellQty)))
		p.NetQty -= qty
	}

	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.LTP = price
	return realized
}
