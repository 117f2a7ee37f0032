package graph

import (
	"context"
	"strings"
	"sync"
)

// fakeStore records every statement and can fail scripted attempts, standing
// in for the bolt driver in batcher and retry tests.
type fakeStore struct {
	mu      sync.Mutex
	queries []recordedQuery

	// failures is consumed front to back; each entry fails one
	// ExecuteWrite call with the given error.
	failures []error

	// rejectFastClear makes the batched clear query fail so the
	// traditional path runs.
	rejectFastClear bool
}

type recordedQuery struct {
	query  string
	params map[string]interface{}
}

func (f *fakeStore) Session(ctx context.Context) (Session, error) {
	return &fakeSession{store: f}, nil
}

func (f *fakeStore) VerifyConnectivity(ctx context.Context) error { return nil }
func (f *fakeStore) Close(ctx context.Context) error              { return nil }

func (f *fakeStore) recorded() []recordedQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedQuery, len(f.queries))
	copy(out, f.queries)
	return out
}

func (f *fakeStore) queriesMatching(substr string) []recordedQuery {
	var out []recordedQuery
	for _, q := range f.recorded() {
		if strings.Contains(q.query, substr) {
			out = append(out, q)
		}
	}
	return out
}

type fakeSession struct {
	store *fakeStore
}

func (s *fakeSession) ExecuteWrite(ctx context.Context, work func(Tx) (interface{}, error)) (interface{}, error) {
	s.store.mu.Lock()
	if len(s.store.failures) > 0 {
		err := s.store.failures[0]
		s.store.failures = s.store.failures[1:]
		s.store.mu.Unlock()
		return nil, err
	}
	s.store.mu.Unlock()
	return work(&fakeTx{store: s.store})
}

func (s *fakeSession) Close(ctx context.Context) error { return nil }

type fakeTx struct {
	store *fakeStore
}

func (t *fakeTx) Run(ctx context.Context, query string, params map[string]interface{}) (Summary, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.rejectFastClear && strings.Contains(query, "IN TRANSACTIONS") {
		return Summary{}, &PayloadError{Reason: "IN TRANSACTIONS not supported in managed transaction"}
	}
	t.store.queries = append(t.store.queries, recordedQuery{query: query, params: params})

	sum := Summary{}
	if nodes, ok := params["nodes"].([]map[string]interface{}); ok {
		sum.NodesCreated = len(nodes)
	}
	if rels, ok := params["rels"].([]map[string]interface{}); ok {
		sum.RelationshipsCreated = len(rels)
	}
	return sum, nil
}
