// Package session runs work cycles back to back until the todo list is empty,
// a cycle fails or the cycle budget is spent.
package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/maruel/ksid"
	"github.com/nibzard/autocoder/backend/internal/cycle"
)

// DefaultInterval is the pause between two successful cycles.
const DefaultInterval = 3 * time.Second

// Runner runs a single cycle. *cycle.Engine implements it.
type Runner interface {
	Run(ctx context.Context, n int) cycle.Record
}

var _ Runner = (*cycle.Engine)(nil)

// StopReason describes why the loop ended.
type StopReason string

// Stop reasons.
const (
	StopMaxCycles   StopReason = "max cycles reached"
	StopNoTask      StopReason = "no task"
	StopFailed      StopReason = "cycle failed"
	StopInterrupted StopReason = "interrupted"
)

// Summary aggregates the outcome of a session.
type Summary struct {
	ID         ksid.ID
	Attempted  int
	Succeeded  int
	Duration   time.Duration
	StopReason StopReason
	Cycles     []cycle.Record
}

// SuccessRate returns Succeeded/Attempted, or 0 when nothing was attempted.
func (s *Summary) SuccessRate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Attempted)
}

// Loop runs cycles sequentially.
type Loop struct {
	Engine    Runner
	MaxCycles int
	Interval  time.Duration // Pause after a successful cycle; defaults to DefaultInterval.
	Log       *slog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Run executes up to MaxCycles cycles. It stops at the first cycle that did
// not complete. A cycle that found no task counts as attempted.
func (l *Loop) Run(ctx context.Context) Summary {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	sleep := l.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	sum := Summary{ID: ksid.NewID(), StopReason: StopMaxCycles}
	log = log.With("session", sum.ID)
	start := time.Now()
	log.Info("session started", "max_cycles", l.MaxCycles)
	for n := 1; n <= l.MaxCycles; n++ {
		log.Info("cycle", "n", n, "of", l.MaxCycles)
		rec := l.Engine.Run(ctx, n)
		sum.Attempted++
		sum.Cycles = append(sum.Cycles, rec)
		if rec.Success {
			sum.Succeeded++
		} else {
			sum.StopReason = stopReason(rec.Reason)
			break
		}
		if n == l.MaxCycles {
			break
		}
		log.Debug("pausing before next cycle", "interval", interval)
		if err := sleep(ctx, interval); err != nil {
			sum.StopReason = StopInterrupted
			break
		}
	}
	sum.Duration = time.Since(start)
	log.Info("session finished",
		"attempted", sum.Attempted,
		"succeeded", sum.Succeeded,
		"success_rate", formatRate(sum.SuccessRate()),
		"duration", sum.Duration.Round(time.Millisecond),
		"stop", sum.StopReason)
	return sum
}

func stopReason(r cycle.AbortReason) StopReason {
	switch r {
	case cycle.ReasonNoTask:
		return StopNoTask
	case cycle.ReasonInterrupted:
		return StopInterrupted
	default:
		return StopFailed
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
