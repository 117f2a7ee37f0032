package graph

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"cadgraph/internal/config"
	"cadgraph/internal/logging"
)

// StoreFactory builds a Store from configuration. Tests substitute an
// in-memory implementation here.
type StoreFactory func(*config.Config) (Store, error)

// SessionManager owns the long-lived pooled store and wraps every write in
// the retry policy. The store is reused across ingests while the graph
// configuration is unchanged and rebuilt when it changes; concurrent
// rebuilds collapse through singleflight.
type SessionManager struct {
	mu          sync.Mutex
	store       Store
	fingerprint string

	cfg     *config.Config
	factory StoreFactory
	group   singleflight.Group

	// after is swapped out in tests so backoff does not stall them.
	after func(time.Duration) <-chan time.Time
}

// NewSessionManager returns a manager that builds bolt stores on demand.
func NewSessionManager(cfg *config.Config) *SessionManager {
	return &SessionManager{
		cfg: cfg,
		factory: func(c *config.Config) (Store, error) {
			return NewBoltStore(c)
		},
		after: time.After,
	}
}

// NewSessionManagerWithFactory is the injection point for tests and
// alternative stores.
func NewSessionManagerWithFactory(cfg *config.Config, factory StoreFactory) *SessionManager {
	return &SessionManager{cfg: cfg, factory: factory, after: time.After}
}

// SetConfig swaps the active configuration. The store is rebuilt lazily on
// the next use if the graph settings changed.
func (m *SessionManager) SetConfig(cfg *config.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Store returns the cached store, building or rebuilding it as needed.
func (m *SessionManager) Store(ctx context.Context) (Store, error) {
	m.mu.Lock()
	cfg := m.cfg
	fp := graphFingerprint(cfg)
	if m.store != nil && m.fingerprint == fp {
		st := m.store
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	out, err, _ := m.group.Do(fp, func() (interface{}, error) {
		m.mu.Lock()
		old := m.store
		m.mu.Unlock()
		if old != nil {
			logging.Session("graph configuration changed, rebuilding store")
			_ = old.Close(ctx)
		}
		st, err := m.factory(cfg)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		m.store = st
		m.fingerprint = fp
		m.mu.Unlock()
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return out.(Store), nil
}

// Close releases the cached store. The pool is shared across ingests; only
// shutdown should call this.
func (m *SessionManager) Close(ctx context.Context) error {
	m.mu.Lock()
	st := m.store
	m.store = nil
	m.fingerprint = ""
	m.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close(ctx)
}

// ExecuteWithRetry runs one replayable unit of work under a managed
// transaction. Transient failures back off exponentially with jitter
// (2^attempt + U(0,1) seconds) up to the configured retry budget, then
// promote to FatalWriteError. Auth and unavailability errors are fatal
// immediately.
func (m *SessionManager) ExecuteWithRetry(ctx context.Context, work func(Tx) (interface{}, error)) (interface{}, error) {
	st, err := m.Store(ctx)
	if err != nil {
		return nil, err
	}
	sess, err := st.Session(ctx)
	if err != nil {
		return nil, classifyRetryOutcome(err, 1)
	}
	defer sess.Close(ctx)

	m.mu.Lock()
	maxRetries := m.cfg.Batch.RetryMax
	m.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		out, err := sess.ExecuteWrite(ctx, work)
		if err == nil {
			return out, nil
		}

		var transient *TransientWriteError
		if !errors.As(err, &transient) {
			return nil, classifyRetryOutcome(err, attempt+1)
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		logging.SessionWarn("transient error, retry %d/%d in %.2fs: %v", attempt+1, maxRetries, delay.Seconds(), err)
		select {
		case <-ctx.Done():
			// Cancellation interrupts the backoff wait, not just the
			// attempts around it.
			return nil, &FatalWriteError{Err: ctx.Err()}
		case <-m.after(delay):
		}
	}

	logging.SessionWarn("retry budget exhausted after %d attempts", maxRetries+1)
	return nil, &FatalWriteError{Err: &TransientWriteError{Attempts: maxRetries + 1, Err: errors.Unwrap(lastErr)}}
}

// classifyRetryOutcome finalizes a non-transient failure: auth and
// unavailable pass through typed, anything else becomes fatal.
func classifyRetryOutcome(err error, attempts int) error {
	var auth *AuthError
	var unavail *UnavailableError
	var fatal *FatalWriteError
	switch {
	case errors.As(err, &auth), errors.As(err, &unavail), errors.As(err, &fatal):
		return err
	default:
		return &FatalWriteError{Err: fmt.Errorf("attempt %d: %w", attempts, err)}
	}
}

// backoffDelay follows the official driver pattern: 2^attempt seconds plus
// up to one second of jitter.
func backoffDelay(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt))
	jitter := rand.Float64()
	return time.Duration((base + jitter) * float64(time.Second))
}

// graphFingerprint identifies one graph configuration so the store is only
// rebuilt when a setting that affects the driver changes.
func graphFingerprint(cfg *config.Config) string {
	g := cfg.Graph
	return fmt.Sprintf("%s|%s|%s|%s|%d|%s|%s",
		g.URI, g.User, g.Password, g.Database, g.PoolSize, g.ConnectionLifetime, g.AcquireTimeout)
}
