package graph

import (
	"context"
	"errors"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"cadgraph/internal/config"
	"cadgraph/internal/logging"
)

// BoltStore implements Store on the official neo4j driver. One BoltStore owns
// one pooled driver; the SessionManager keeps it alive across ingests.
type BoltStore struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewBoltStore builds a pooled driver from the graph configuration. The pool
// tuning (size, lifetime, acquisition timeout) comes straight from config.
func NewBoltStore(cfg *config.Config) (*BoltStore, error) {
	driver, err := neo4j.NewDriverWithContext(
		cfg.Graph.URI,
		neo4j.BasicAuth(cfg.Graph.User, cfg.Graph.Password, ""),
		func(c *neo4j.Config) {
			c.MaxConnectionPoolSize = cfg.Graph.PoolSize
			c.MaxConnectionLifetime = cfg.GetConnectionLifetime()
			c.ConnectionAcquisitionTimeout = cfg.GetAcquireTimeout()
		},
	)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	logging.Session("driver created uri=%s db=%s pool=%d", cfg.Graph.URI, cfg.Graph.Database, cfg.Graph.PoolSize)
	return &BoltStore{driver: driver, database: cfg.Graph.Database}, nil
}

// Session opens a new session against the configured database.
func (b *BoltStore) Session(ctx context.Context) (Session, error) {
	sess := b.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: b.database})
	return &boltSession{sess: sess}, nil
}

// VerifyConnectivity checks the store is reachable with the configured
// credentials.
func (b *BoltStore) VerifyConnectivity(ctx context.Context) error {
	if err := b.driver.VerifyConnectivity(ctx); err != nil {
		return classifyStoreError(err)
	}
	return nil
}

// Close releases the driver and its pool.
func (b *BoltStore) Close(ctx context.Context) error {
	return b.driver.Close(ctx)
}

type boltSession struct {
	sess neo4j.SessionWithContext
}

func (s *boltSession) ExecuteWrite(ctx context.Context, work func(Tx) (interface{}, error)) (interface{}, error) {
	out, err := s.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		return work(&boltTx{ctx: ctx, tx: tx})
	})
	if err != nil {
		return nil, classifyStoreError(err)
	}
	return out, nil
}

func (s *boltSession) Close(ctx context.Context) error {
	return s.sess.Close(ctx)
}

type boltTx struct {
	ctx context.Context
	tx  neo4j.ManagedTransaction
}

func (t *boltTx) Run(ctx context.Context, query string, params map[string]interface{}) (Summary, error) {
	res, err := t.tx.Run(ctx, query, params)
	if err != nil {
		return Summary{}, err
	}
	sum, err := res.Consume(ctx)
	if err != nil {
		return Summary{}, err
	}
	counters := sum.Counters()
	return Summary{
		NodesCreated:         counters.NodesCreated(),
		NodesDeleted:         counters.NodesDeleted(),
		RelationshipsCreated: counters.RelationshipsCreated(),
		PropertiesSet:        counters.PropertiesSet(),
	}, nil
}

// classifyStoreError sorts driver failures into the retry taxonomy:
// transient codes and deadline expiry are retryable, security codes and
// unreachable stores are fatal, everything else surfaces as-is and the
// retry loop treats it as fatal.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}

	var neoErr *neo4j.Neo4jError
	if errors.As(err, &neoErr) {
		switch {
		case strings.HasPrefix(neoErr.Code, "Neo.ClientError.Security."):
			return &AuthError{Err: err}
		case strings.HasPrefix(neoErr.Code, "Neo.TransientError."):
			return &TransientWriteError{Err: err}
		case neoErr.IsRetriable():
			return &TransientWriteError{Err: err}
		}
		return err
	}

	var tokenExpired *neo4j.TokenExpiredError
	if errors.As(err, &tokenExpired) {
		return &AuthError{Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		// Session acquisition or transaction timeout; follows the retry policy.
		return &TransientWriteError{Err: err}
	}

	if neo4j.IsConnectivityError(err) {
		return &UnavailableError{Err: err}
	}

	return err
}
