package bot

import (
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/feeds"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

var at = time.Date(2025, 6, 2, 10, 30, 5, 0, time.UTC)

func TestSignedINR(t *testing.T) {
	assert.Equal(t, "₹+150.00", signedINR(decimal.NewFromInt(150)))
	assert.Equal(t, "₹-320.50", signedINR(decimal.NewFromFloat(-320.5)))
	assert.Equal(t, "₹+0.00", signedINR(decimal.Zero))
}

func TestEntryMessageSides(t *testing.T) {
	buy := entryMessage("FAILED_AUCTION_B1", "NSE:NIFTY2560525000CE", types.SideBuy,
		decimal.NewFromFloat(123.45), 50, at)
	assert.Contains(t, buy, "🚀 *ENTRY: FAILED_AUCTION_B1*")
	assert.Contains(t, buy, "`NSE:NIFTY2560525000CE`")
	assert.Contains(t, buy, "Side: *BUY*")
	assert.Contains(t, buy, "₹123.45")
	assert.Contains(t, buy, "Qty: 50")
	assert.Contains(t, buy, "10:30:05")

	sell := entryMessage("S", "SYM", types.SideSell, decimal.NewFromInt(100), 50, at)
	assert.Contains(t, sell, "📉")
}

func TestExitMessagePnLEmoji(t *testing.T) {
	win := exitMessage("S", "SYM", "EXIT_TARGET", decimal.NewFromInt(130), decimal.NewFromInt(325), at)
	assert.Contains(t, win, "💰 *EXIT: S*")
	assert.Contains(t, win, "PnL: ₹+325.00")
	assert.Contains(t, win, "Reason: EXIT_TARGET")

	loss := exitMessage("S", "SYM", "EXIT_STOP", decimal.NewFromInt(90), decimal.NewFromInt(-500), at)
	assert.Contains(t, loss, "🔴")
	assert.Contains(t, loss, "₹-500.00")
}

func TestErrorAndKillSwitchMessages(t *testing.T) {
	em := errorMessage("STAT_SNIPER_01", "nil map write", at)
	assert.Contains(t, em, "⚠️ *ERROR: STAT_SNIPER_01*")
	assert.Contains(t, em, "`nil map write`")

	km := killSwitchMessage(types.KillDailyLoss, "RISK_ENGINE", "Day P&L -5200 breached limit", at)
	assert.Contains(t, km, "🚨 *KILL SWITCH ACTIVATED*")
	assert.Contains(t, km, "*DAILY_LOSS_BREACH*")
	assert.Contains(t, km, "By: RISK_ENGINE")
	assert.Contains(t, km, "halted")
}

func TestStatusMessage(t *testing.T) {
	age := 0.42
	sess := &types.TradingSession{
		RealizedPnL:    decimal.NewFromInt(-1200),
		UnrealizedPnL:  decimal.NewFromInt(200),
		TotalOrders:    12,
		RejectedOrders: 1,
	}
	msg := statusMessage(sess, feeds.Status{Status: "live", AgeSeconds: &age}, 2, 1, true)
	assert.Contains(t, msg, "🟢 Trading active")
	assert.Contains(t, msg, "Mode: *PAPER*")
	assert.Contains(t, msg, "₹-1000.00")
	assert.Contains(t, msg, "Feed: *live* (last tick 0.4s ago)")
	assert.Contains(t, msg, "12 placed, 1 rejected")

	sess.IsKilled = true
	sess.KillReason = types.KillMarginBreach
	msg = statusMessage(sess, feeds.Status{Status: "dead"}, 0, 0, false)
	assert.Contains(t, msg, "🚨 KILL SWITCH ACTIVE — MARGIN_BREACH")
	assert.Contains(t, msg, "Mode: *LIVE*")
	assert.Contains(t, msg, "Feed: *dead*")
}

func TestStrategiesMessage(t *testing.T) {
	states := []*types.StrategyState{
		{
			Name: "FAILED_AUCTION_B1", Status: types.StrategyRunning,
			CurrentSignal: "HOLDING", PnL: decimal.NewFromInt(150),
			TotalTrades: 3, WinRate: 66.7,
		},
		{
			Name: "STAT_SNIPER_01", Status: types.StrategyPaused,
			ControlIntent: types.IntentResume,
		},
		{
			Name: "BROKEN", Status: types.StrategyError,
			ErrorMessage: "boom",
		},
	}

	msg := strategiesMessage(states)
	assert.Contains(t, msg, "🟢 *FAILED_AUCTION_B1* — running")
	assert.Contains(t, msg, "Signal: HOLDING | P&L: ₹+150.00")
	assert.Contains(t, msg, "Trades: 3 | Win: 66.7%")
	assert.Contains(t, msg, "⏸️ *STAT_SNIPER_01* — paused (⏳ resume pending)")
	assert.Contains(t, msg, "Signal: — |")
	assert.Contains(t, msg, "💥 *BROKEN* — error")
	assert.Contains(t, msg, "💥 `boom`")
}

func TestPositionsMessage(t *testing.T) {
	positions := []*types.Position{
		{
			Symbol: "NSE:NIFTY2560525000CE", NetQty: 50,
			AvgBuyPrice: decimal.NewFromFloat(123.45), LTP: decimal.NewFromFloat(130.10),
			UnrealizedPnL: decimal.NewFromFloat(332.50),
		},
		{
			Symbol: "NSE:NIFTY2560524800PE", NetQty: -50,
			AvgSellPrice: decimal.NewFromFloat(98.00), LTP: decimal.NewFromFloat(101.25),
			UnrealizedPnL: decimal.NewFromFloat(-162.50),
		},
	}

	msg := positionsMessage(positions)
	assert.Contains(t, msg, "🟢 `NSE:NIFTY2560525000CE` LONG 50")
	assert.Contains(t, msg, "Avg: ₹123.45 | LTP: ₹130.10")
	assert.Contains(t, msg, "🔴 `NSE:NIFTY2560524800PE` SHORT -50")
	assert.Contains(t, msg, "Avg: ₹98.00")
	assert.Contains(t, msg, "Unrealized: ₹-162.50")
}

func TestControlResultMessage(t *testing.T) {
	latency := int64(230)
	confirmed := controlResultMessage(&control.Result{
		Strategy: "S1", Action: types.IntentPause, Status: "confirmed",
		CurrentStatus: types.StrategyPaused, AckLatencyMs: &latency,
	})
	assert.Contains(t, confirmed, "✅ *S1* is now *paused*")
	assert.Contains(t, confirmed, "230ms")

	pending := controlResultMessage(&control.Result{
		Strategy: "S1", Action: types.IntentPause, Status: "pending",
	})
	assert.Contains(t, pending, "⏳")
	assert.Contains(t, pending, "/strategies")

	rejected := controlResultMessage(&control.Result{
		Status: "rejected", Message: "strategy has unacknowledged intent",
	})
	assert.Contains(t, rejected, "🚫 strategy has unacknowledged intent")
}

func TestCommandActor(t *testing.T) {
	named := &tgbotapi.Message{From: &tgbotapi.User{UserName: "ops_desk"}}
	assert.Equal(t, "telegram:ops_desk", commandActor(named))

	anon := &tgbotapi.Message{From: &tgbotapi.User{}}
	assert.Equal(t, "telegram", commandActor(anon))
	assert.Equal(t, "telegram", commandActor(&tgbotapi.Message{}))
}

func TestStatusEmoji(t *testing.T) {
	assert.Equal(t, "🟢", statusEmoji(types.StrategyRunning))
	assert.Equal(t, "⏸️", statusEmoji(types.StrategyPaused))
	assert.Equal(t, "💥", statusEmoji(types.StrategyError))
	assert.Equal(t, "⏹️", statusEmoji(types.StrategyStopped))
	assert.Equal(t, "⏹️", statusEmoji(types.StrategyStarting))
}
