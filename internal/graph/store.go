package graph

import "context"

// Summary aggregates write counters reported by the store.
type Summary struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	PropertiesSet        int
}

// Add folds another summary into this one.
func (s *Summary) Add(other Summary) {
	s.NodesCreated += other.NodesCreated
	s.NodesDeleted += other.NodesDeleted
	s.RelationshipsCreated += other.RelationshipsCreated
	s.PropertiesSet += other.PropertiesSet
}

// Tx is one statement-running handle inside a managed transaction.
type Tx interface {
	Run(ctx context.Context, query string, params map[string]interface{}) (Summary, error)
}

// Session is a short-lived unit of work against the store. The work function
// passed to ExecuteWrite must be replayable; the store may invoke it more
// than once.
type Session interface {
	ExecuteWrite(ctx context.Context, work func(Tx) (interface{}, error)) (interface{}, error)
	Close(ctx context.Context) error
}

// Store abstracts the graph database so tests can substitute an in-memory
// implementation for the bolt driver.
type Store interface {
	Session(ctx context.Context) (Session, error)
	VerifyConnectivity(ctx context.Context) error
	Close(ctx context.Context) error
}
