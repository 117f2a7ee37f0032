package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"cadgraph/internal/config"
)

func TestStoreReusedWhileConfigUnchanged(t *testing.T) {
	cfg := config.DefaultConfig()
	builds := 0
	mgr := NewSessionManagerWithFactory(cfg, func(*config.Config) (Store, error) {
		builds++
		return &fakeStore{}, nil
	})

	ctx := context.Background()
	first, err := mgr.Store(ctx)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	second, err := mgr.Store(ctx)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if first != second {
		t.Error("store rebuilt although config is unchanged")
	}
	if builds != 1 {
		t.Errorf("factory ran %d times, want 1", builds)
	}
}

func TestStoreRebuiltOnConfigChange(t *testing.T) {
	cfg := config.DefaultConfig()
	builds := 0
	mgr := NewSessionManagerWithFactory(cfg, func(*config.Config) (Store, error) {
		builds++
		return &fakeStore{}, nil
	})

	ctx := context.Background()
	if _, err := mgr.Store(ctx); err != nil {
		t.Fatalf("Store: %v", err)
	}

	changed := config.DefaultConfig()
	changed.Graph.URI = "bolt://other:7687"
	mgr.SetConfig(changed)

	if _, err := mgr.Store(ctx); err != nil {
		t.Fatalf("Store after change: %v", err)
	}
	if builds != 2 {
		t.Errorf("factory ran %d times, want 2", builds)
	}
}

// immediateAfter replaces the backoff wait with an already-fired channel,
// counting how many waits would have happened.
func immediateAfter(count *int) func(time.Duration) <-chan time.Time {
	return func(time.Duration) <-chan time.Time {
		*count++
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
}

func TestAuthErrorNeverRetried(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{failures: []error{&AuthError{Err: errors.New("bad credentials")}}}
	mgr := NewSessionManagerWithFactory(cfg, func(*config.Config) (Store, error) {
		return store, nil
	})
	slept := 0
	mgr.after = immediateAfter(&slept)

	_, err := mgr.ExecuteWithRetry(context.Background(), func(tx Tx) (interface{}, error) {
		return tx.Run(context.Background(), "RETURN 1", nil)
	})
	var auth *AuthError
	if !errors.As(err, &auth) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if slept != 0 {
		t.Errorf("backoff ran %d times for an auth error, want 0", slept)
	}
	if len(store.recorded()) != 0 {
		t.Error("statement reached the store despite the auth failure")
	}
}

func TestUnavailableErrorNeverRetried(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{failures: []error{&UnavailableError{Err: errors.New("connection refused")}}}
	mgr := NewSessionManagerWithFactory(cfg, func(*config.Config) (Store, error) {
		return store, nil
	})
	slept := 0
	mgr.after = immediateAfter(&slept)

	_, err := mgr.ExecuteWithRetry(context.Background(), func(tx Tx) (interface{}, error) {
		return tx.Run(context.Background(), "RETURN 1", nil)
	})
	var unavail *UnavailableError
	if !errors.As(err, &unavail) {
		t.Fatalf("err = %v, want UnavailableError", err)
	}
	if slept != 0 {
		t.Errorf("backoff ran %d times for an unavailable store, want 0", slept)
	}
}

func TestBackoffWaitAbortsOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{failures: []error{
		&TransientWriteError{Err: errors.New("deadlock")},
		&TransientWriteError{Err: errors.New("deadlock")},
	}}
	mgr := NewSessionManagerWithFactory(cfg, func(*config.Config) (Store, error) {
		return store, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	waits := 0
	mgr.after = func(time.Duration) <-chan time.Time {
		waits++
		// Cancel mid-backoff; the never-firing channel would hang the
		// retry loop if cancellation were not honored during the wait.
		cancel()
		return make(chan time.Time)
	}

	_, err := mgr.ExecuteWithRetry(ctx, func(tx Tx) (interface{}, error) {
		return tx.Run(ctx, "RETURN 1", nil)
	})
	var fatal *FatalWriteError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalWriteError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled in the chain", err)
	}
	if waits != 1 {
		t.Errorf("backoff entered %d times after cancellation, want 1", waits)
	}
}

func TestBackoffDelayGrowsExponentially(t *testing.T) {
	for attempt := 0; attempt < 4; attempt++ {
		d := backoffDelay(attempt)
		min := time.Duration(1<<attempt) * time.Second
		max := min + time.Second
		if d < min || d > max {
			t.Errorf("backoffDelay(%d) = %v, want within [%v, %v]", attempt, d, min, max)
		}
	}
}
