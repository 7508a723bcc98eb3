// Lifeline - Connection Liveness and Session Recovery for Hosted Backends
// Copyright 2026 Lifeline Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lifelinedev/lifeline

package request

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lifelinedev/lifeline/internal/backend"
	"github.com/lifelinedev/lifeline/internal/config"
	"github.com/lifelinedev/lifeline/internal/recovery"
	"github.com/lifelinedev/lifeline/internal/session"
)

type fakeEnsurer struct {
	mu     sync.Mutex
	forced int
	plain  int
}

func (f *fakeEnsurer) EnsureFresh(_ context.Context, opts session.EnsureOptions) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if opts.Force {
		f.forced++
	} else {
		f.plain++
	}
	return &session.Session{AccessToken: "t", ExpiresAt: time.Now().Add(time.Hour).Unix()}, nil
}

func (f *fakeEnsurer) forcedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

type fakeRunner struct {
	recovers atomic.Int64
	forced   atomic.Int64
}

func (f *fakeRunner) Recover(_ context.Context, opts recovery.Options) recovery.Result {
	f.recovers.Add(1)
	if opts.Force {
		f.forced.Add(1)
	}
	return recovery.Result{Success: true, Timestamp: time.Now()}
}

func (f *fakeRunner) WaitIdle(_ context.Context) error { return nil }

func testWrapper() (*Wrapper, *fakeEnsurer, *fakeRunner) {
	cfg := config.Default()
	cfg.Request.BreakerEnabled = false // scenario tests exercise classification, not the breaker
	ens := &fakeEnsurer{}
	rec := &fakeRunner{}
	return NewWrapper(cfg, ens, rec, backend.NewPendingSet()), ens, rec
}

// TestDo_Success verifies the happy path: bounded wait, pre-flight check,
// one attempt.
func TestDo_Success(t *testing.T) {
	t.Parallel()

	w, ens, _ := testWrapper()

	var attempts atomic.Int64
	got, err := Do(context.Background(), w, "list-items", func(_ context.Context) ([]string, error) {
		attempts.Add(1)
		return []string{"a", "b"}, nil
	}, CallOptions{})

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Expected 2 items, got %v", got)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("Expected 1 attempt, got %d", n)
	}
	if ens.forcedCount() != 0 {
		t.Error("Success path must not force a session refresh")
	}
}

// TestDo_JWTExpiredRefreshesOnceAndRetries verifies the auth path: an op
// failing with "JWT expired" triggers exactly one forced session refresh
// and exactly one retry, then returns the retry's result.
func TestDo_JWTExpiredRefreshesOnceAndRetries(t *testing.T) {
	t.Parallel()

	w, ens, _ := testWrapper()

	var attempts atomic.Int64
	got, err := Do(context.Background(), w, "list-items", func(_ context.Context) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("JWT expired")
		}
		return "fresh-data", nil
	}, CallOptions{})

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "fresh-data" {
		t.Errorf("Expected the retry's result, got %q", got)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("Expected exactly 2 attempts, got %d", n)
	}
	if n := ens.forcedCount(); n != 1 {
		t.Errorf("Expected exactly 1 forced refresh, got %d", n)
	}
}

// TestDo_AuthRetryLimitedToOne verifies a persistently authing-out op is
// not retried beyond the single auth retry.
func TestDo_AuthRetryLimitedToOne(t *testing.T) {
	t.Parallel()

	w, ens, _ := testWrapper()

	var attempts atomic.Int64
	_, err := Do(context.Background(), w, "list-items", func(_ context.Context) (string, error) {
		attempts.Add(1)
		return "", errors.New("JWT expired")
	}, CallOptions{})

	if err == nil {
		t.Fatal("Expected error after exhausted auth retry")
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("Expected 2 attempts (original + 1 retry), got %d", n)
	}
	if n := ens.forcedCount(); n != 1 {
		t.Errorf("Expected 1 forced refresh, got %d", n)
	}
}

// TestDo_TimeoutTriggersForcedRecovery verifies a timed-out attempt runs a
// forced recovery and retries once with a capped timeout.
func TestDo_TimeoutTriggersForcedRecovery(t *testing.T) {
	t.Parallel()

	w, _, rec := testWrapper()

	var attempts atomic.Int64
	var retryDeadline time.Duration
	got, err := Do(context.Background(), w, "slow-items", func(ctx context.Context) (string, error) {
		if attempts.Add(1) == 1 {
			return "", &backend.TimeoutError{Label: "slow-items", After: 15 * time.Second}
		}
		if dl, ok := ctx.Deadline(); ok {
			retryDeadline = time.Until(dl)
		}
		return "recovered-data", nil
	}, CallOptions{Timeout: 15 * time.Second})

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "recovered-data" {
		t.Errorf("Expected retry result, got %q", got)
	}
	if n := rec.forced.Load(); n != 1 {
		t.Errorf("Expected 1 forced recovery after timeout, got %d", n)
	}
	// Retry runs under the capped timeout (10s default), not the
	// original 15s.
	if retryDeadline > 11*time.Second {
		t.Errorf("Expected capped retry timeout, deadline was %v out", retryDeadline)
	}
}

// TestDo_NetworkErrorBacksOffAndRecovers verifies the network path sleeps,
// runs a non-forced recovery, and retries once.
func TestDo_NetworkErrorBacksOffAndRecovers(t *testing.T) {
	t.Parallel()

	w, _, rec := testWrapper()

	var attempts atomic.Int64
	got, err := Do(context.Background(), w, "list-items", func(_ context.Context) (string, error) {
		if attempts.Add(1) == 1 {
			return "", errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
		}
		return "back-online", nil
	}, CallOptions{})

	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != "back-online" {
		t.Errorf("Expected retry result, got %q", got)
	}
	if n := rec.recovers.Load(); n != 1 {
		t.Errorf("Expected 1 recovery, got %d", n)
	}
	if n := rec.forced.Load(); n != 0 {
		t.Errorf("Network recovery must not be forced, got %d forced", n)
	}
}

// TestDo_UnknownErrorNotRetried verifies unrecognized error shapes return
// unmodified after a single attempt.
func TestDo_UnknownErrorNotRetried(t *testing.T) {
	t.Parallel()

	w, _, rec := testWrapper()

	boom := errors.New("duplicate key value violates unique constraint")
	var attempts atomic.Int64
	_, err := Do(context.Background(), w, "insert-item", func(_ context.Context) (string, error) {
		attempts.Add(1)
		return "", boom
	}, CallOptions{})

	if !errors.Is(err, boom) {
		t.Errorf("Expected the original error unmodified, got %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("Unknown errors must not be retried, got %d attempts", n)
	}
	if n := rec.recovers.Load(); n != 0 {
		t.Errorf("Unknown errors must not trigger recovery, got %d", n)
	}
}

// TestDo_CallerCancellationAborts verifies a cancelled caller context stops
// the call without retries.
func TestDo_CallerCancellationAborts(t *testing.T) {
	t.Parallel()

	w, _, _ := testWrapper()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var attempts atomic.Int64
	_, err := Do(ctx, w, "list-items", func(_ context.Context) (string, error) {
		attempts.Add(1)
		return "", nil
	}, CallOptions{})

	if !errors.Is(err, backend.ErrAborted) {
		t.Fatalf("Expected ErrAborted, got %v", err)
	}
	if n := attempts.Load(); n != 0 {
		t.Errorf("Cancelled caller must not issue the operation, got %d attempts", n)
	}
}

// TestDo_TotalAttemptCap verifies attempts never exceed the hard cap even
// when multiple classes would each grant a retry.
func TestDo_TotalAttemptCap(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Request.BreakerEnabled = false
	cfg.Request.MaxRetries = 2
	w := NewWrapper(cfg, &fakeEnsurer{}, &fakeRunner{}, backend.NewPendingSet())

	// Rotate through retryable classes so every failure looks freshly
	// retryable to a naive implementation.
	failures := []error{
		errors.New("JWT expired"),
		errors.New("connection refused"),
		&backend.TimeoutError{Label: "op", After: time.Second},
	}

	var attempts atomic.Int64
	_, err := Do(context.Background(), w, "rotating-failure", func(_ context.Context) (string, error) {
		n := attempts.Add(1)
		return "", failures[(n-1)%int64(len(failures))]
	}, CallOptions{})

	if err == nil {
		t.Fatal("Expected failure after the attempt cap")
	}
	if n := attempts.Load(); n > 3 {
		t.Errorf("Expected at most MaxRetries+1 = 3 attempts, got %d", n)
	}
}
