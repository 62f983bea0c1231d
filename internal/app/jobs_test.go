package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

type jobsPayoutStub struct {
	mu           sync.Mutex
	cycles       int
	reconciles   int
	staleAfter   time.Duration
	cycleErr     error
	reconcileErr error
	release      chan struct{}
	started      chan struct{}
}

func (s *jobsPayoutStub) RunPayoutCycle(ctx context.Context, affiliateID *uuid.UUID) (PayoutCycleResult, error) {
	s.mu.Lock()
	s.cycles++
	s.mu.Unlock()
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	return PayoutCycleResult{}, s.cycleErr
}

func (s *jobsPayoutStub) Reconcile(ctx context.Context, staleAfter time.Duration) (ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles++
	s.staleAfter = staleAfter
	return ReconcileResult{Unresolved: 1}, s.reconcileErr
}

func (s *jobsPayoutStub) cycleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles
}

type jobsHoldStub struct {
	calledWith time.Time
	err        error
}

func (s *jobsHoldStub) ReleaseMatured(ctx context.Context, now time.Time) (int64, error) {
	s.calledWith = now
	return 3, s.err
}

func newTestJobs(payouts PayoutRunner, holds HoldReleaser) *Jobs {
	return NewJobs(context.Background(), payouts, holds, 15*time.Minute, nil, testLogger())
}

func TestReleaseMaturedHolds_UsesCurrentTime(t *testing.T) {
	holds := &jobsHoldStub{}
	jobs := newTestJobs(&jobsPayoutStub{}, holds)
	fixed := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	jobs.now = func() time.Time { return fixed }

	jobs.ReleaseMaturedHolds()

	if !holds.calledWith.Equal(fixed) {
		t.Fatalf("expected release at %v, got %v", fixed, holds.calledWith)
	}
}

func TestReleaseMaturedHolds_ContinuesOnError(t *testing.T) {
	holds := &jobsHoldStub{err: errors.New("db unavailable")}
	jobs := newTestJobs(&jobsPayoutStub{}, holds)

	jobs.ReleaseMaturedHolds()

	if holds.calledWith.IsZero() {
		t.Fatal("expected release to be attempted")
	}
}

func TestRunPayoutCycle_SkipsOverlappingTick(t *testing.T) {
	payouts := &jobsPayoutStub{release: make(chan struct{}), started: make(chan struct{}, 1)}
	jobs := newTestJobs(payouts, &jobsHoldStub{})

	done := make(chan struct{})
	go func() {
		jobs.RunPayoutCycle()
		close(done)
	}()
	<-payouts.started

	jobs.RunPayoutCycle()
	if got := payouts.cycleCount(); got != 1 {
		t.Fatalf("expected overlapping tick to be skipped, got %d cycles", got)
	}

	close(payouts.release)
	<-done

	payouts.release = nil
	payouts.started = nil
	jobs.RunPayoutCycle()
	if got := payouts.cycleCount(); got != 2 {
		t.Fatalf("expected the next tick to run, got %d cycles", got)
	}
}

func TestRunPayoutCycle_ContinuesOnError(t *testing.T) {
	payouts := &jobsPayoutStub{cycleErr: errors.New("db unavailable")}
	jobs := newTestJobs(payouts, &jobsHoldStub{})

	jobs.RunPayoutCycle()
	jobs.RunPayoutCycle()

	if got := payouts.cycleCount(); got != 2 {
		t.Fatalf("expected a failed cycle to release the lock, got %d cycles", got)
	}
}

func TestReconcilePayouts_PassesStaleThreshold(t *testing.T) {
	payouts := &jobsPayoutStub{}
	jobs := newTestJobs(payouts, &jobsHoldStub{})

	jobs.ReconcilePayouts()

	if payouts.reconciles != 1 {
		t.Fatalf("expected one reconcile call, got %d", payouts.reconciles)
	}
	if payouts.staleAfter != 15*time.Minute {
		t.Fatalf("expected stale threshold 15m, got %v", payouts.staleAfter)
	}
}
