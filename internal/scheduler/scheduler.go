// Package scheduler drives the engine's RunOnce in a single-threaded
// loop: an initial startup run, then repeated scheduled runs on a fixed
// interval, interleaved with manual triggers that never overlap a run
// in flight.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/jony/caldav-reconciler/internal/models"
	"github.com/jony/caldav-reconciler/internal/rlog"
)

// Runner is the subset of Engine the scheduler needs, letting tests
// substitute a fake without depending on internal/engine's collaborators.
type Runner interface {
	RunOnce(ctx context.Context, trigger models.Trigger, window *models.Window) models.RunSummary
}

type manualRequest struct {
	trigger models.Trigger
	window  *models.Window
}

// Scheduler sequences reconciliation runs one at a time: external
// triggers enqueue a signal but never overlap a run in flight.
type Scheduler struct {
	runner   Runner
	interval time.Duration

	manualCh chan manualRequest
	stopCh   chan struct{}
	doneCh   chan struct{}

	log rlog.Logger

	onRun func(models.RunSummary)
}

// New builds a Scheduler that runs runner every interval, invoking onRun
// (if non-nil) after every completed run so a caller (e.g. the HTTP admin
// surface) can track the last summary without polling.
func New(runner Runner, interval time.Duration, onRun func(models.RunSummary)) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		runner:   runner,
		interval: interval,
		manualCh: make(chan manualRequest, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		log:      rlog.New("Scheduler"),
		onRun:    onRun,
	}
}

// Start launches the loop in a goroutine. It returns immediately; use
// Stop to join.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	s.runAndRecord(ctx, models.TriggerStartup, nil)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case req := <-s.manualCh:
			s.runAndRecord(ctx, req.trigger, req.window)
			resetTimer(timer, s.interval)
		case <-timer.C:
			s.runAndRecord(ctx, models.TriggerScheduled, nil)
			timer.Reset(s.interval)
		}
	}
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}

func (s *Scheduler) runAndRecord(ctx context.Context, trigger models.Trigger, window *models.Window) {
	summary := s.runner.RunOnce(ctx, trigger, window)
	s.log.Printf("run %s finished: status=%s changes=%d conflicts=%d", trigger, summary.Status, summary.ChangesApplied, summary.Conflicts)
	if s.onRun != nil {
		s.onRun(summary)
	}
}

// TriggerManual enqueues a manual run with the given trigger tag
// (models.TriggerManual or models.TriggerManualWindow) and optional
// window override. It is non-blocking: at most one pending manual
// request is kept, a second is rejected rather than queued.
func (s *Scheduler) TriggerManual(trigger models.Trigger, window *models.Window) bool {
	select {
	case s.manualCh <- manualRequest{trigger: trigger, window: window}:
		return true
	default:
		return false
	}
}

// Stop requests the loop to exit cooperatively and waits up to timeout
// for it to join.
func (s *Scheduler) Stop(timeout time.Duration) error {
	select {
	case <-s.stopCh:
		// already stopped
	default:
		close(s.stopCh)
	}
	select {
	case <-s.doneCh:
		return nil
	case <-time.After(timeout):
		return errors.New("scheduler: stop timed out waiting for loop to join")
	}
}
