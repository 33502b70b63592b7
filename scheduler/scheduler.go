package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - Cron-backed background job runner
// ═══════════════════════════════════════════════════════════════════════════════
//
// CORE LOGIC:
// 1. Jobs register with an interval or a cron spec before Start.
// 2. Every invocation gets the scheduler's root context; Stop cancels it so
//    in-flight jobs can bail out, then waits up to the grace period.
// 3. The chain recovers panics and skips a tick while the previous run of
//    the same job is still going.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Job is a unit of scheduled work. Run should honor ctx cancellation.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLog{}),
			cron.SkipIfStillRunning(cronLog{}),
		)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Every registers a job on a fixed interval. The first run fires one
// interval after Start, not immediately.
func (s *Scheduler) Every(interval time.Duration, job Job) error {
	return s.At(fmt.Sprintf("@every %s", interval), job)
}

// At registers a job on a cron spec ("30 15 * * MON-FRI", "@daily", ...).
func (s *Scheduler) At(spec string, job Job) error {
	if _, err := s.cron.AddFunc(spec, func() { s.invoke(job) }); err != nil {
		return fmt.Errorf("register job %s: %w", job.Name(), err)
	}
	log.Info().Str("job", job.Name()).Str("schedule", spec).Msg("📋 Job registered")
	return nil
}

// RunNow executes a job once, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	log.Debug().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run(s.ctx)
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Info().Int("jobs", len(s.cron.Entries())).Msg("⏱️ Scheduler started")
}

// Stop cancels the job context, stops scheduling and waits up to grace for
// in-flight runs to finish.
func (s *Scheduler) Stop(grace time.Duration) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		log.Info().Msg("🛑 Scheduler stopped")
	case <-time.After(grace):
		log.Warn().Dur("grace", grace).Msg("🛑 Scheduler stopped with jobs still running")
	}
}

func (s *Scheduler) invoke(job Job) {
	started := time.Now()
	log.Debug().Str("job", job.Name()).Msg("Running job")
	if err := job.Run(s.ctx); err != nil {
		log.Error().Err(err).Str("job", job.Name()).Msg("💥 Job failed")
		return
	}
	log.Debug().Str("job", job.Name()).Dur("took", time.Since(started)).Msg("Job completed")
}

// cronLog adapts the cron library's logger onto zerolog.
type cronLog struct{}

func (cronLog) Info(msg string, kv ...interface{}) {
	log.Debug().Fields(kv).Msg(msg)
}

func (cronLog) Error(err error, msg string, kv ...interface{}) {
	log.Error().Err(err).Fields(kv).Msg(msg)
}
