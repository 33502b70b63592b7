package monitor

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/storage"
	"github.com/venketeshdn511-aia/Zen-Algorithm-V2/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RESOURCE MONITOR - Process health sampling with leak detection
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC (one sample per minute):
// 1. Read process RSS/VMS/CPU, open FDs, goroutine count, DB pool gauges and
//    the executor's tick rate since the previous sample.
// 2. Slide the RSS and FD histories and regress. A least-squares slope above
//    the per-minute threshold for three consecutive windows confirms a leak;
//    a single spike never trips it.
// 3. Persist the sample, then walk the threshold checks: a breach opens one
//    alert row and keeps it active until the metric clears, which resolves
//    the row in place.
// 4. Samples older than the retention window are pruned after every write.
//
// The leaks this is built to catch: an unbounded buffer append (steady
// ~0.5MB/min RSS growth), unreturned pool connections (pool saturation plus
// RSS growth together), and goroutine pile-ups.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	// DefaultInterval is the sampling cadence core wires the monitor at.
	DefaultInterval = 60 * time.Second

	retentionDays = 7

	rssWarnMB     = 350.0
	rssCriticalMB = 430.0
	cpuWarnPct    = 70.0
	poolWarnPct   = 80.0
	fdWarn        = 400
	goroutineWarn = 500

	// Leak detection: regress over the last leakWindow samples, confirm after
	// leakConfirmSamples consecutive windows above the slope threshold.
	leakWindow         = 10
	leakConfirmSamples = 3
	rssLeakSlope       = 0.5 // MB per minute
	fdLeakSlope        = 2.0 // FDs per minute
)

// TickCounter reports cumulative tick dispatches. The executor implements it.
type TickCounter interface {
	TickCount() int64
}

type Monitor struct {
	store storage.Store
	ticks TickCounter
	proc  *process.Process

	mu sync.Mutex

	rssHistory []float64
	fdHistory  []float64

	rssLeakStreak int
	fdLeakStreak  int

	// activeAlerts maps alert type to the open row awaiting resolution.
	activeAlerts map[string]int64

	prevRSS       *float64
	lastTickCount int64
	lastSampleAt  time.Time
}

func New(store storage.Store, ticks TickCounter) *Monitor {
	m := &Monitor{
		store:        store,
		ticks:        ticks,
		activeAlerts: make(map[string]int64),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("Process handle unavailable, memory and CPU samples stay zero")
		return m
	}
	m.proc = proc
	return m
}

// Name implements scheduler.Job.
func (m *Monitor) Name() string { return "resource_monitor" }

// Run implements scheduler.Job.
func (m *Monitor) Run(ctx context.Context) error {
	return m.Sample(ctx)
}

// Sample takes one measurement, persists it, updates the alert rows and
// prunes expired samples.
func (m *Monitor) Sample(ctx context.Context) error {
	if !m.mu.TryLock() {
		log.Debug().Msg("Resource sample already in progress, skipping")
		return nil
	}
	defer m.mu.Unlock()

	now := time.Now().UTC()
	s := m.collect(ctx, now)
	m.trackLeaks(s)

	if err := m.store.InsertResourceSample(ctx, s); err != nil {
		return fmt.Errorf("insert resource sample: %w", err)
	}

	m.applyChecks(ctx, now, m.buildChecks(s))

	if pruned, err := m.store.PruneResourceSamples(ctx, now.AddDate(0, 0, -retentionDays)); err != nil {
		log.Warn().Err(err).Msg("Resource sample prune failed")
	} else if pruned > 0 {
		log.Debug().Int64("pruned", pruned).Msg("Expired resource samples pruned")
	}

	ev := log.Info()
	if s.RSSLeakFlag || s.FDLeakFlag {
		ev = log.Warn()
	}
	ev.Float64("rss_mb", s.RSSMb).
		Float64("cpu_pct", s.CPUPct).
		Int("fds", s.OpenFDs).
		Int("goroutines", s.Goroutines).
		Str("pool", fmt.Sprintf("%d/%d", s.PoolInUse, s.PoolOpen)).
		Float64("ticks_hz", s.TickRateHz).
		Int("running", s.RunningStrategies).
		Bool("rss_leak", s.RSSLeakFlag).
		Bool("fd_leak", s.FDLeakFlag).
		Msg("📊 Resource sample")
	return nil
}

// ─────────────────────────────────────────────────────────────
// Collection
// ─────────────────────────────────────────────────────────────

func (m *Monitor) collect(ctx context.Context, now time.Time) *types.ResourceSample {
	s := &types.ResourceSample{RecordedAt: now}

	if m.proc != nil {
		if mi, err := m.proc.MemoryInfo(); err == nil {
			s.RSSMb = round2(float64(mi.RSS) / (1 << 20))
			s.VMSMb = round2(float64(mi.VMS) / (1 << 20))
		} else {
			log.Warn().Err(err).Msg("Process memory read failed")
		}
		// Percent with zero interval reports usage since the previous call,
		// so the first sample reads zero.
		if pct, err := m.proc.Percent(0); err == nil {
			s.CPUPct = round2(pct)
		}
		if fds, err := m.proc.NumFDs(); err == nil {
			s.OpenFDs = int(fds)
		}
	}
	if sys, err := cpu.Percent(0, false); err == nil && len(sys) > 0 {
		s.CPUSysPct = round2(sys[0])
	}
	s.Goroutines = runtime.NumGoroutine()

	if m.prevRSS != nil {
		delta := round2(s.RSSMb - *m.prevRSS)
		s.RSSDeltaMb = &delta
	}
	rss := s.RSSMb
	m.prevRSS = &rss

	s.PoolInUse, s.PoolOpen, s.PoolIdle = m.store.PoolStats()

	if m.ticks != nil {
		count := m.ticks.TickCount()
		if elapsed := now.Sub(m.lastSampleAt).Seconds(); !m.lastSampleAt.IsZero() && elapsed > 0 {
			s.TickRateHz = round2(float64(count-m.lastTickCount) / elapsed)
		}
		m.lastTickCount = count
	}
	m.lastSampleAt = now

	if n, err := m.store.CountRunningStrategies(ctx); err == nil {
		s.RunningStrategies = n
	} else {
		log.Warn().Err(err).Msg("Running strategy count failed")
	}
	return s
}

// ─────────────────────────────────────────────────────────────
// Leak detection
// ─────────────────────────────────────────────────────────────

// trackLeaks slides the histories, updates the confirmation streaks and sets
// the sample's leak flags.
func (m *Monitor) trackLeaks(s *types.ResourceSample) {
	m.rssHistory = slide(m.rssHistory, s.RSSMb)
	m.fdHistory = slide(m.fdHistory, float64(s.OpenFDs))

	if leaking(m.rssHistory, rssLeakSlope) {
		m.rssLeakStreak++
	} else {
		m.rssLeakStreak = 0
	}
	if leaking(m.fdHistory, fdLeakSlope) {
		m.fdLeakStreak++
	} else {
		m.fdLeakStreak = 0
	}

	s.RSSLeakFlag = m.rssLeakStreak >= leakConfirmSamples
	s.FDLeakFlag = m.fdLeakStreak >= leakConfirmSamples
}

func slide(history []float64, v float64) []float64 {
	history = append(history, v)
	if len(history) > leakWindow {
		history = history[1:]
	}
	return history
}

// leaking reports sustained growth: regression slope above the threshold with
// at least four samples in the window.
func leaking(samples []float64, slopeThreshold float64) bool {
	if len(samples) < 4 {
		return false
	}
	return leakSlope(samples) > slopeThreshold
}

// leakSlope is the least-squares regression slope of samples in units per
// sample interval, which at the 60s cadence is units per minute.
func leakSlope(samples []float64) float64 {
	n := float64(len(samples))
	xMean := (n - 1) / 2
	var yMean float64
	for _, y := range samples {
		yMean += y
	}
	yMean /= n

	var num, den float64
	for i, y := range samples {
		dx := float64(i) - xMean
		num += dx * (y - yMean)
		den += dx * dx
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// ─────────────────────────────────────────────────────────────
// Threshold alerts
// ─────────────────────────────────────────────────────────────

type check struct {
	alertType string
	metric    string
	current   float64
	threshold float64
	breached  bool
	message   string
}

func (m *Monitor) buildChecks(s *types.ResourceSample) []check {
	poolPct := 0.0
	if s.PoolOpen > 0 {
		poolPct = float64(s.PoolInUse) / float64(s.PoolOpen) * 100
	}

	return []check{
		{
			alertType: "RSS_HIGH", metric: "rss_mb",
			current: s.RSSMb, threshold: rssCriticalMB, breached: s.RSSMb >= rssCriticalMB,
			message: fmt.Sprintf("RSS %.1fMB >= %.0fMB limit", s.RSSMb, rssCriticalMB),
		},
		{
			alertType: "RSS_WARN", metric: "rss_mb",
			current: s.RSSMb, threshold: rssWarnMB, breached: s.RSSMb >= rssWarnMB,
			message: fmt.Sprintf("RSS %.1fMB >= %.0fMB warning threshold", s.RSSMb, rssWarnMB),
		},
		{
			alertType: "CPU_SPIKE", metric: "cpu_pct",
			current: s.CPUPct, threshold: cpuWarnPct, breached: s.CPUPct >= cpuWarnPct,
			message: fmt.Sprintf("Process CPU %.1f%% >= %.0f%%", s.CPUPct, cpuWarnPct),
		},
		{
			alertType: "FD_HIGH", metric: "open_fds",
			current: float64(s.OpenFDs), threshold: fdWarn, breached: s.OpenFDs >= fdWarn,
			message: fmt.Sprintf("Open FDs %d >= %d", s.OpenFDs, fdWarn),
		},
		{
			alertType: "GOROUTINE_HIGH", metric: "goroutines",
			current: float64(s.Goroutines), threshold: goroutineWarn, breached: s.Goroutines >= goroutineWarn,
			message: fmt.Sprintf("Goroutines %d >= %d", s.Goroutines, goroutineWarn),
		},
		{
			alertType: "POOL_WARN", metric: "pool_pct",
			current: math.Round(poolPct), threshold: poolWarnPct, breached: poolPct >= poolWarnPct,
			message: fmt.Sprintf("DB pool %d/%d (%.0f%%)", s.PoolInUse, s.PoolOpen, poolPct),
		},
		{
			alertType: "RSS_LEAK", metric: "rss_mb",
			current: s.RSSMb, threshold: rssLeakSlope, breached: s.RSSLeakFlag,
			message: fmt.Sprintf("Slow RSS leak: %d consecutive windows above %.1fMB/min slope", m.rssLeakStreak, rssLeakSlope),
		},
		{
			alertType: "FD_LEAK", metric: "open_fds",
			current: float64(s.OpenFDs), threshold: fdLeakSlope, breached: s.FDLeakFlag,
			message: fmt.Sprintf("Slow FD leak: %d consecutive windows above %.1f FDs/min slope", m.fdLeakStreak, fdLeakSlope),
		},
	}
}

// applyChecks opens one alert row per breached type and resolves it in place
// once the metric clears. The active map survives between samples, so a
// sustained breach fires exactly once.
func (m *Monitor) applyChecks(ctx context.Context, now time.Time, checks []check) {
	for _, c := range checks {
		id, active := m.activeAlerts[c.alertType]
		switch {
		case c.breached && !active:
			newID, err := m.store.InsertResourceAlert(ctx, &types.ResourceAlert{
				AlertedAt:  now,
				AlertType:  c.alertType,
				MetricName: c.metric,
				CurrentVal: c.current,
				Threshold:  c.threshold,
				Message:    c.message,
			})
			if err != nil {
				log.Error().Err(err).Str("alert", c.alertType).Msg("Failed to insert resource alert")
				continue
			}
			m.activeAlerts[c.alertType] = newID
			log.Warn().Str("alert", c.alertType).Str("detail", c.message).Msg("🚨 Resource alert")
		case !c.breached && active:
			if err := m.store.ResolveResourceAlert(ctx, id, now); err != nil {
				log.Error().Err(err).Str("alert", c.alertType).Msg("Failed to resolve resource alert")
				continue
			}
			delete(m.activeAlerts, c.alertType)
			log.Info().Str("alert", c.alertType).Msg("✅ Resource alert resolved")
		}
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
