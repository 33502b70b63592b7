package options

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPTIONS RESOLVER - ATM strike and symbol resolution
// ═══════════════════════════════════════════════════════════════════════════════
//
// Resolves "the ATM CE/PE for NIFTY at this spot" into an exact tradeable
// symbol. Primary source is the Fyers NSE_FO symbol master (synced at most
// once per day); when the master is unavailable the symbol is synthesized
// from the configured weekly expiry series.
//
// ═══════════════════════════════════════════════════════════════════════════════

const DefaultMasterURL = "https://public.fyers.in/sym_details/NSE_FO.csv"

// Symbol master column offsets.
const (
	colLotSize    = 3
	colExpiry     = 8
	colTicker     = 9
	colUnderlying = 13
	colStrike     = 14
)

type Config struct {
	MasterURL  string
	Underlying string       // scrip code in the master, e.g. "NIFTY"
	StrikeStep int          // strike increment, 50 for NIFTY
	ExpiryDay  time.Weekday // weekly expiry weekday for the synthetic fallback
}

func (c *Config) defaults() {
	if c.MasterURL == "" {
		c.MasterURL = DefaultMasterURL
	}
	if c.Underlying == "" {
		c.Underlying = "NIFTY"
	}
	if c.StrikeStep <= 0 {
		c.StrikeStep = 50
	}
}

// contract is one parsed option row from the master.
type contract struct {
	Ticker string
	Expiry time.Time
	Strike int
	Leg    string // "CE" or "PE"
}

type Resolver struct {
	http *resty.Client
	cfg  Config

	mu       sync.RWMutex
	master   []contract
	syncedOn string // yyyy-mm-dd of the last successful sync

	now func() time.Time
}

func NewResolver(cfg Config) *Resolver {
	cfg.defaults()
	return &Resolver{
		http: resty.New().
			SetTimeout(30 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(2 * time.Second),
		cfg: cfg,
		now: time.Now,
	}
}

// ATMStrike rounds the spot to the nearest strike increment.
// 22866 -> 22850, 22880 -> 22900.
func (r *Resolver) ATMStrike(spot float64) int {
	step := float64(r.cfg.StrikeStep)
	return int(math.Round(spot/step) * step)
}

// Warm syncs the symbol master. Failure is not fatal; resolution falls back
// to the synthetic series until the next attempt.
func (r *Resolver) Warm(ctx context.Context) {
	if err := r.sync(ctx); err != nil {
		log.Warn().Err(err).Msg("Symbol master sync failed, using synthetic expiry series")
	}
}

// ResolveATM returns the exact symbol for the ATM option of the given leg.
func (r *Resolver) ResolveATM(ctx context.Context, spot float64, leg string) (string, error) {
	leg = strings.ToUpper(leg)
	if leg != "CE" && leg != "PE" {
		return "", fmt.Errorf("invalid option leg %q", leg)
	}
	strike := r.ATMStrike(spot)

	if !r.fresh() {
		if err := r.sync(ctx); err != nil {
			log.Warn().Err(err).Msg("Symbol master sync failed, using synthetic expiry series")
		}
	}

	if sym, ok := r.fromMaster(strike, leg); ok {
		return sym, nil
	}
	return r.synthesize(strike, leg), nil
}

func (r *Resolver) fresh() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.master) > 0 && r.syncedOn == r.now().UTC().Format("2006-01-02")
}

// fromMaster picks the nearest future expiry, then the exact strike, then
// the closest available strike on that expiry.
func (r *Resolver) fromMaster(strike int, leg string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.master) == 0 {
		return "", false
	}
	now := r.now()

	var nearest time.Time
	for _, c := range r.master {
		if c.Leg != leg || !c.Expiry.After(now) {
			continue
		}
		if nearest.IsZero() || c.Expiry.Before(nearest) {
			nearest = c.Expiry
		}
	}
	if nearest.IsZero() {
		return "", false
	}

	candidates := make([]contract, 0, 64)
	for _, c := range r.master {
		if c.Leg == leg && c.Expiry.Equal(nearest) {
			if c.Strike == strike {
				return c.Ticker, true
			}
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := abs(candidates[i].Strike - strike)
		dj := abs(candidates[j].Strike - strike)
		return di < dj
	})
	log.Warn().
		Int("target", strike).
		Int("using", candidates[0].Strike).
		Msg("ATM strike not listed, falling back to closest")
	return candidates[0].Ticker, true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// synthesize renders NSE:NIFTY<YY><M><DD><STRIKE><CE|PE> for the next
// configured weekly expiry. Month encoding for weeklies: 1-9 as the digit,
// then O, N, D.
func (r *Resolver) synthesize(strike int, leg string) string {
	expiry := r.nextExpiry()
	return fmt.Sprintf("NSE:%s%02d%s%02d%d%s",
		r.cfg.Underlying, expiry.Year()%100, monthCode(expiry.Month()), expiry.Day(), strike, leg)
}

func monthCode(m time.Month) string {
	switch m {
	case time.October:
		return "O"
	case time.November:
		return "N"
	case time.December:
		return "D"
	}
	return strconv.Itoa(int(m))
}

// nextExpiry is the next occurrence of the configured expiry weekday,
// counting today as valid.
func (r *Resolver) nextExpiry() time.Time {
	d := r.now()
	for d.Weekday() != r.cfg.ExpiryDay {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

// ─────────────────────────────────────────────────────────────
// Symbol master sync
// ─────────────────────────────────────────────────────────────

func (r *Resolver) sync(ctx context.Context) error {
	resp, err := r.http.R().SetContext(ctx).Get(r.cfg.MasterURL)
	if err != nil {
		return fmt.Errorf("download symbol master: %w", err)
	}
	if resp.StatusCode() != 200 {
		return fmt.Errorf("download symbol master: status %d", resp.StatusCode())
	}

	master, err := r.parseMaster(string(resp.Body()))
	if err != nil {
		return err
	}
	if len(master) == 0 {
		return fmt.Errorf("symbol master has no %s option rows", r.cfg.Underlying)
	}

	r.mu.Lock()
	r.master = master
	r.syncedOn = r.now().UTC().Format("2006-01-02")
	r.mu.Unlock()

	log.Info().Int("contracts", len(master)).Msg("🔄 Symbol master synced")
	return nil
}

func (r *Resolver) parseMaster(raw string) ([]contract, error) {
	reader := csv.NewReader(strings.NewReader(raw))
	reader.FieldsPerRecord = -1

	var out []contract
	for {
		rec, err := reader.Read()
		if err != nil {
			break
		}
		if len(rec) <= colStrike {
			continue
		}
		if strings.TrimSpace(rec[colUnderlying]) != r.cfg.Underlying {
			continue
		}
		ticker := strings.TrimSpace(rec[colTicker])
		var leg string
		switch {
		case strings.HasSuffix(ticker, "CE"):
			leg = "CE"
		case strings.HasSuffix(ticker, "PE"):
			leg = "PE"
		default:
			continue
		}

		epoch, err := strconv.ParseInt(strings.TrimSpace(rec[colExpiry]), 10, 64)
		if err != nil || epoch <= 0 {
			continue
		}
		strikeF, err := strconv.ParseFloat(strings.TrimSpace(rec[colStrike]), 64)
		if err != nil {
			continue
		}

		out = append(out, contract{
			Ticker: ticker,
			Expiry: time.Unix(epoch, 0),
			Strike: int(strikeF),
			Leg:    leg,
		})
	}
	return out, nil
}
