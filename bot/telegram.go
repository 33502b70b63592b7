package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/control"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/feeds"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/risk"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operator alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🚀 Entry/exit/error alerts from the executor
//   🚨 Kill-switch alerts from the risk engine
//   🎛️ Control commands (/pause, /resume, /killswitch) riding the same
//      intent/ack path as the HTTP surface
//   📊 Session, strategy and position snapshots on demand
//
// Only the configured chat may issue commands. Messages from any other chat
// are dropped without a reply.
//
// ═══════════════════════════════════════════════════════════════════════════════

// commandTimeout bounds the store/broker work behind a single command.
// Pause/resume wait for the executor ack (10 s) on top of that.
const commandTimeout = 15 * time.Second

// Config carries the bot credentials and run mode.
type Config struct {
	Token  string
	ChatID int64
	DryRun bool
}

// TelegramBot manages the Telegram interface.
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	dryRun  bool
	running bool
	stopCh  chan struct{}

	store   storage.Store
	control *control.Service
	risk    *risk.Engine
	feed    *feeds.Worker
}

// New creates the bot and verifies the token against the Telegram API.
func New(cfg Config, store storage.Store, ctrl *control.Service, riskEngine *risk.Engine, feed *feeds.Worker) (*TelegramBot, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token not set")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat id not set")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b := &TelegramBot{
		api:     api,
		chatID:  cfg.ChatID,
		dryRun:  cfg.DryRun,
		stopCh:  make(chan struct{}),
		store:   store,
		control: ctrl,
		risk:    riskEngine,
		feed:    feed,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")

	return b, nil
}

// Start begins listening for commands.
func (b *TelegramBot) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the command loop. In-flight sends finish on their own.
func (b *TelegramBot) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}

	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// ALERTS - called by the executor and the risk engine
// ═══════════════════════════════════════════════════════════════════════════════

// AlertEntry reports a new entry order.
func (b *TelegramBot) AlertEntry(strategyName, symbol string, side types.OrderSide, price decimal.Decimal, qty int) {
	b.sendMarkdown(entryMessage(strategyName, symbol, side, price, qty, time.Now()))
}

// AlertExit reports a flattened position.
func (b *TelegramBot) AlertExit(strategyName, symbol, reason string, price, pnl decimal.Decimal) {
	b.sendMarkdown(exitMessage(strategyName, symbol, reason, price, pnl, time.Now()))
}

// AlertError reports a strategy callback failure.
func (b *TelegramBot) AlertError(strategyName, message string) {
	b.sendMarkdown(errorMessage(strategyName, message, time.Now()))
}

// AlertKillSwitch reports the session halting. Wired as the risk engine's
// kill hook.
func (b *TelegramBot) AlertKillSwitch(reason types.KillReason, actor, note string) {
	b.sendMarkdown(killSwitchMessage(reason, actor, note, time.Now()))
}

// NotifyStartup announces the engine coming online.
func (b *TelegramBot) NotifyStartup(strategies []string) {
	mode := "LIVE"
	if b.dryRun {
		mode = "PAPER"
	}

	list := "_none registered_"
	if len(strategies) > 0 {
		list = "• " + strings.Join(strategies, "\n• ")
	}

	msg := fmt.Sprintf(`🚀 *ZEN ALGORITHM V2 STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
⚙️ Strategies:
%s

━━━━━━━━━━━━━━━━━━━━
Use /help for commands`, mode, list)

	b.sendMarkdown(msg)
}

func entryMessage(strategy, symbol string, side types.OrderSide, price decimal.Decimal, qty int, at time.Time) string {
	emoji := "🚀"
	if side == types.SideSell {
		emoji = "📉"
	}
	return fmt.Sprintf(`%s *ENTRY: %s*
Symbol: `+"`%s`"+`
Side: *%s*
Price: ₹%s
Qty: %d
Time: %s`,
		emoji, strategy,
		symbol, side,
		price.StringFixed(2), qty,
		at.Format("15:04:05"),
	)
}

func exitMessage(strategy, symbol, reason string, price, pnl decimal.Decimal, at time.Time) string {
	emoji := "💰"
	if pnl.IsNegative() {
		emoji = "🔴"
	}
	return fmt.Sprintf(`%s *EXIT: %s*
Symbol: `+"`%s`"+`
Exit Price: ₹%s
PnL: %s
Reason: %s
Time: %s`,
		emoji, strategy,
		symbol,
		price.StringFixed(2),
		signedINR(pnl),
		reason,
		at.Format("15:04:05"),
	)
}

func errorMessage(strategy, message string, at time.Time) string {
	return fmt.Sprintf("⚠️ *ERROR: %s*\nMessage: `%s`\nTime: %s",
		strategy, message, at.Format("15:04:05"))
}

func killSwitchMessage(reason types.KillReason, actor, note string, at time.Time) string {
	return fmt.Sprintf(`🚨 *KILL SWITCH ACTIVATED*
━━━━━━━━━━━━━━━━━━━━

Reason: *%s*
By: %s
Note: %s
Time: %s

All order flow is halted for the day.`,
		reason, actor, note, at.Format("15:04:05"))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}

			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				log.Warn().Int64("chat_id", update.Message.Chat.ID).
					Str("command", update.Message.Command()).
					Msg("Ignoring command from unauthorized chat")
				continue
			}

			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	cmd := strings.ToLower(msg.Command())
	args := strings.TrimSpace(msg.CommandArguments())
	actor := commandActor(msg)

	switch cmd {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus(ctx)
	case "strategies":
		b.cmdStrategies(ctx)
	case "positions":
		b.cmdPositions(ctx)
	case "pause":
		b.cmdControl(ctx, types.IntentPause, args, actor)
	case "resume":
		b.cmdControl(ctx, types.IntentResume, args, actor)
	case "killswitch":
		b.cmdKillSwitch(ctx, args, actor)
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

// commandActor identifies the operator for the control log.
func commandActor(msg *tgbotapi.Message) string {
	if msg.From != nil && msg.From.UserName != "" {
		return "telegram:" + msg.From.UserName
	}
	return "telegram"
}

func (b *TelegramBot) cmdHelp() {
	msg := `🤖 *ZEN ALGO COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — session & feed snapshot
⚙️ /strategies — strategy states
💼 /positions — open positions
⏸️ /pause NAME — pause a strategy
▶️ /resume NAME — resume a strategy
🚨 /killswitch confirm — halt all trading
🏓 /ping — test connection

━━━━━━━━━━━━━━━━━━━━
Pause/resume are confirmed by the executor within ~10s.`

	b.sendMarkdown(msg)
}

func (b *TelegramBot) cmdStatus(ctx context.Context) {
	sess, err := b.todaySession(ctx)
	if err != nil {
		b.send("📭 No trading session yet today")
		return
	}

	running, err := b.store.CountRunningStrategies(ctx)
	if err != nil {
		b.send("❌ Failed to read strategy states")
		return
	}

	open := 0
	if positions, perr := b.store.ListPositions(ctx, sess.ID); perr == nil {
		for _, p := range positions {
			if p.NetQty != 0 {
				open++
			}
		}
	}

	b.sendMarkdown(statusMessage(sess, b.feed.Status(), running, open, b.dryRun))
}

func statusMessage(sess *types.TradingSession, feed feeds.Status, running, openPositions int, dryRun bool) string {
	mode := "LIVE"
	if dryRun {
		mode = "PAPER"
	}

	state := "🟢 Trading active"
	if sess.IsKilled {
		state = fmt.Sprintf("🚨 KILL SWITCH ACTIVE — %s", sess.KillReason)
	}

	feedLine := fmt.Sprintf("📡 Feed: *%s*", feed.Status)
	if feed.AgeSeconds != nil {
		feedLine = fmt.Sprintf("📡 Feed: *%s* (last tick %.1fs ago)", feed.Status, *feed.AgeSeconds)
	}

	return fmt.Sprintf(`📊 *ZEN ALGO STATUS*
━━━━━━━━━━━━━━━━━━━━

%s
📊 Mode: *%s*
💵 Day P&L: *%s*
💼 Open positions: *%d*
⚙️ Running strategies: *%d*
%s

━━━━━━━━━━━━━━━━━━━━
Orders: %d placed, %d rejected`,
		state, mode,
		signedINR(sess.DayPnL()),
		openPositions, running,
		feedLine,
		sess.TotalOrders, sess.RejectedOrders,
	)
}

func (b *TelegramBot) cmdStrategies(ctx context.Context) {
	states, err := b.store.ListStrategyStates(ctx)
	if err != nil {
		b.send("❌ Failed to read strategy states")
		return
	}
	if len(states) == 0 {
		b.send("📭 No strategies registered")
		return
	}
	b.sendMarkdown(strategiesMessage(states))
}

func strategiesMessage(states []*types.StrategyState) string {
	var sb strings.Builder
	sb.WriteString("⚙️ *STRATEGIES*\n━━━━━━━━━━━━━━━━━━━━\n\n")

	for _, s := range states {
		sb.WriteString(fmt.Sprintf("%s *%s* — %s", statusEmoji(s.Status), s.Name, s.Status))
		if s.ControlIntent != types.IntentNone {
			sb.WriteString(fmt.Sprintf(" (⏳ %s pending)", s.ControlIntent))
		}
		sb.WriteString("\n")

		sb.WriteString(fmt.Sprintf("   Signal: %s | P&L: %s\n", orDash(s.CurrentSignal), signedINR(s.PnL)))
		sb.WriteString(fmt.Sprintf("   Trades: %d | Win: %.1f%%\n", s.TotalTrades, s.WinRate))
		if s.Status == types.StrategyError && s.ErrorMessage != "" {
			sb.WriteString(fmt.Sprintf("   💥 `%s`\n", s.ErrorMessage))
		}
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n")
}

func statusEmoji(s types.StrategyStatus) string {
	switch s {
	case types.StrategyRunning:
		return "🟢"
	case types.StrategyPaused:
		return "⏸️"
	case types.StrategyError:
		return "💥"
	default:
		return "⏹️"
	}
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

func (b *TelegramBot) cmdPositions(ctx context.Context) {
	sess, err := b.todaySession(ctx)
	if err != nil {
		b.send("📭 No trading session yet today")
		return
	}

	positions, err := b.store.ListPositions(ctx, sess.ID)
	if err != nil {
		b.send("❌ Failed to fetch positions")
		return
	}

	open := positions[:0]
	for _, p := range positions {
		if p.NetQty != 0 {
			open = append(open, p)
		}
	}
	if len(open) == 0 {
		b.send("📭 No open positions")
		return
	}

	b.sendMarkdown(positionsMessage(open))
}

func positionsMessage(positions []*types.Position) string {
	var sb strings.Builder
	sb.WriteString("💼 *OPEN POSITIONS*\n━━━━━━━━━━━━━━━━━━━━\n\n")

	for _, p := range positions {
		side, emoji, avg := "LONG", "🟢", p.AvgBuyPrice
		if p.NetQty < 0 {
			side, emoji, avg = "SHORT", "🔴", p.AvgSellPrice
		}

		sb.WriteString(fmt.Sprintf("%s `%s` %s %d\n", emoji, p.Symbol, side, p.NetQty))
		sb.WriteString(fmt.Sprintf("   Avg: ₹%s | LTP: ₹%s\n", avg.StringFixed(2), p.LTP.StringFixed(2)))
		sb.WriteString(fmt.Sprintf("   Unrealized: %s\n\n", signedINR(p.UnrealizedPnL)))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// cmdControl sends a pause/resume intent and reports the executor's verdict.
func (b *TelegramBot) cmdControl(ctx context.Context, intent types.ControlIntent, name, actor string) {
	if name == "" {
		b.send(fmt.Sprintf("Usage: /%s STRATEGY_NAME", intent))
		return
	}
	name = strings.ToUpper(name)

	// Resuming under an active kill switch would hand the strategy a dead
	// session; reject here the way the HTTP surface does.
	if intent == types.IntentResume {
		if sess, err := b.todaySession(ctx); err == nil && sess.IsKilled {
			b.sendMarkdown(fmt.Sprintf("🚫 Cannot resume while kill switch is active (*%s*)", sess.KillReason))
			return
		}
	}

	res, err := b.control.SendIntent(ctx, &control.Request{
		Strategy:   name,
		Intent:     intent,
		Actor:      actor,
		WaitForAck: true,
	})
	if err != nil {
		log.Error().Err(err).Str("strategy", name).Msg("Telegram control command failed")
		b.send("❌ Control command failed, check logs")
		return
	}

	b.sendMarkdown(controlResultMessage(res))
}

func controlResultMessage(res *control.Result) string {
	switch res.Status {
	case "confirmed":
		latency := ""
		if res.AckLatencyMs != nil {
			latency = fmt.Sprintf(" in %dms", *res.AckLatencyMs)
		}
		return fmt.Sprintf("✅ *%s* is now *%s* (acked%s)", res.Strategy, res.CurrentStatus, latency)
	case "pending":
		return fmt.Sprintf("⏳ Intent *%s* queued for *%s*; executor has not confirmed yet. Check /strategies.",
			res.Action, res.Strategy)
	default:
		return fmt.Sprintf("🚫 %s", res.Message)
	}
}

func (b *TelegramBot) cmdKillSwitch(ctx context.Context, args, actor string) {
	sess, err := b.todaySession(ctx)
	if err != nil {
		b.send("📭 No trading session yet today")
		return
	}

	if !strings.EqualFold(args, "confirm") {
		if sess.IsKilled {
			b.sendMarkdown(fmt.Sprintf("🚨 Kill switch is *ACTIVE* — %s (by %s)", sess.KillReason, sess.KilledBy))
		} else {
			b.sendMarkdown("🟢 Kill switch is *inactive*.\nSend `/killswitch confirm` to halt all trading for the day.")
		}
		return
	}

	changed, err := b.risk.TriggerKillSwitch(ctx, sess.ID, types.KillManual, actor, "Triggered via Telegram")
	if err != nil {
		b.send("❌ Kill switch trigger failed, check logs")
		return
	}
	if !changed {
		b.sendMarkdown(fmt.Sprintf("Kill switch already active — *%s*", sess.KillReason))
		return
	}

	b.sendMarkdown("🚨 *KILL SWITCH ACTIVATED* — all trading halted for the day.")
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) todaySession(ctx context.Context) (*types.TradingSession, error) {
	return b.store.GetSessionByDate(ctx, time.Now().UTC())
}

// signedINR renders "₹+150.00" / "₹-320.50" the way the dashboards do.
func signedINR(d decimal.Decimal) string {
	if d.IsNegative() {
		return "₹" + d.StringFixed(2)
	}
	return "₹+" + d.StringFixed(2)
}

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
