// Day report: prints one trading day's session, strategies, positions and
// orders from the store. Read-only; safe to run against a live engine.
//
//	go run ./cmd/day_report            # today
//	go run ./cmd/day_report 2025-06-02 # specific day
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

const divider = "═══════════════════════════════════════════════════════════════════════"

func main() {
	godotenv.Load()

	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		fmt.Println("❌ DATABASE_URL not set")
		os.Exit(1)
	}

	day := time.Now().UTC()
	if len(os.Args) > 1 {
		parsed, err := time.Parse("2006-01-02", os.Args[1])
		if err != nil {
			fmt.Printf("❌ Bad date %q, want YYYY-MM-DD\n", os.Args[1])
			os.Exit(1)
		}
		day = parsed
	}

	store, err := storage.NewPostgres(connStr)
	if err != nil {
		fmt.Printf("❌ Database error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	session, err := store.GetSessionByDate(ctx, day)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Printf("No session for %s\n", day.Format("2006-01-02"))
		return
	}
	if err != nil {
		fmt.Printf("❌ Session load failed: %v\n", err)
		os.Exit(1)
	}

	printSession(session, day)
	printStrategies(ctx, store)
	printPositions(ctx, store, session.ID)
	printOrders(ctx, store, session.ID)
}

func printSession(s *types.TradingSession, day time.Time) {
	fmt.Println(divider)
	fmt.Printf("📊 TRADING DAY %s\n", day.Format("Mon Jan 2 2006"))
	fmt.Println(divider)
	fmt.Printf("   Realized P&L:   ₹%s\n", s.RealizedPnL.StringFixed(2))
	fmt.Printf("   Unrealized P&L: ₹%s\n", s.UnrealizedPnL.StringFixed(2))
	fmt.Printf("   Day P&L:        ₹%s\n", s.DayPnL().StringFixed(2))
	fmt.Printf("   Orders:         %d total, %d rejected\n", s.TotalOrders, s.RejectedOrders)
	if s.IsKilled {
		killedAt := "?"
		if s.KillTime != nil {
			killedAt = s.KillTime.Format("15:04:05")
		}
		fmt.Printf("   Kill switch:    🚨 ACTIVE (%s by %s at %s)\n", s.KillReason, s.KilledBy, killedAt)
	} else {
		fmt.Println("   Kill switch:    inactive")
	}
	if s.LastReconcileStatus != "" {
		fmt.Printf("   Reconciliation: %s", s.LastReconcileStatus)
		if s.LastReconcileAt != nil {
			fmt.Printf(" (last %s)", s.LastReconcileAt.Format("15:04:05"))
		}
		fmt.Println()
	}
}

func printStrategies(ctx context.Context, store storage.Store) {
	states, err := store.ListStrategyStates(ctx)
	if err != nil || len(states) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("📈 STRATEGIES")
	fmt.Printf("   %-22s %-9s %7s %8s %10s\n", "NAME", "STATUS", "TRADES", "WIN%", "P&L")
	for _, st := range states {
		winRate := "-"
		if st.TotalTrades > 0 {
			winRate = fmt.Sprintf("%.1f", st.WinRate)
		}
		fmt.Printf("   %-22s %-9s %7d %8s %10s\n",
			st.Name, st.Status, st.TotalTrades, winRate, signed(st.PnL))
	}
}

func printPositions(ctx context.Context, store storage.Store, sessionID string) {
	positions, err := store.ListPositions(ctx, sessionID)
	if err != nil || len(positions) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("📦 POSITIONS")
	fmt.Printf("   %-28s %6s %10s %10s %10s %10s\n", "SYMBOL", "NET", "AVG BUY", "AVG SELL", "REALIZED", "UNREAL")
	for _, p := range positions {
		fmt.Printf("   %-28s %6d %10s %10s %10s %10s\n",
			p.Symbol, p.NetQty,
			p.AvgBuyPrice.StringFixed(2), p.AvgSellPrice.StringFixed(2),
			signed(p.RealizedPnL), signed(p.UnrealizedPnL))
	}
}

func printOrders(ctx context.Context, store storage.Store, sessionID string) {
	orders, err := store.RecentOrders(ctx, sessionID, 200)
	if err != nil || len(orders) == 0 {
		return
	}
	fmt.Println()
	fmt.Println("🧾 ORDERS")
	fmt.Printf("   %-8s %-20s %-28s %-4s %5s %10s %-12s\n", "TIME", "STRATEGY", "SYMBOL", "SIDE", "QTY", "FILL", "STATUS")
	for _, o := range orders {
		fill := "-"
		if o.FilledQty > 0 {
			fill = o.AvgFillPrice.StringFixed(2)
		}
		note := string(o.Status)
		if o.Status == types.OrderRejected && o.RejectReason != "" {
			note = fmt.Sprintf("%s (%s)", o.Status, o.RejectReason)
		}
		fmt.Printf("   %-8s %-20s %-28s %-4s %5d %10s %-12s\n",
			o.CreatedAt.Format("15:04:05"), o.StrategyName, o.Symbol, o.Side, o.Quantity, fill, note)
	}
	fmt.Println(divider)
}

func signed(d decimal.Decimal) string {
	if d.IsNegative() {
		return d.StringFixed(2)
	}
	return "+" + d.StringFixed(2)
}
