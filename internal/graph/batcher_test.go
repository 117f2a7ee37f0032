package graph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cadgraph/internal/config"
)

func testManager(store *fakeStore, cfg *config.Config) *SessionManager {
	mgr := NewSessionManagerWithFactory(cfg, func(*config.Config) (Store, error) {
		return store, nil
	})
	mgr.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return mgr
}

func testBatcher(store *fakeStore, cfg *config.Config, mem MemoryMonitor) *Batcher {
	b := NewBatcher(testManager(store, cfg), cfg.Batch, mem)
	b.SetPauses(0, 0)
	b.sleep = func(time.Duration) {}
	return b
}

func wallNodes(n int) []Node {
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = Node{
			Label: LabelWallSegment,
			UID:   "wall_" + string(rune('a'+i%26)),
			Props: map[string]interface{}{"layer": "0"},
		}
	}
	return nodes
}

func TestWriteClearsBeforeFirstFlush(t *testing.T) {
	store := &fakeStore{}
	b := testBatcher(store, config.DefaultConfig(), FixedMemory{Used: 10, Available: 1024})

	payload := Payload{
		Nodes: []Node{{Label: LabelBuilding, UID: "building_1", Props: map[string]interface{}{"name": "B"}}},
	}
	if err := b.Write(context.Background(), payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	recorded := store.recorded()
	if len(recorded) < 2 {
		t.Fatalf("recorded %d queries, want clear + merge", len(recorded))
	}
	if !strings.Contains(recorded[0].query, "DETACH DELETE") {
		t.Errorf("first query = %q, want clear", recorded[0].query)
	}
	if !strings.Contains(recorded[1].query, "MERGE (n:Building") {
		t.Errorf("second query = %q, want Building merge", recorded[1].query)
	}

	// Second write must not clear again.
	if err := b.Write(context.Background(), payload); err != nil {
		t.Fatalf("second Write: %v", err)
	}
	clears := store.queriesMatching("DETACH DELETE")
	if len(clears) != 1 {
		t.Errorf("clear ran %d times, want 1", len(clears))
	}
}

func TestClearFallsBackToTraditional(t *testing.T) {
	store := &fakeStore{rejectFastClear: true}
	b := testBatcher(store, config.DefaultConfig(), FixedMemory{Used: 10, Available: 1024})

	if err := b.Clear(context.Background()); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	recorded := store.recorded()
	if len(recorded) != 1 || recorded[0].query != clearTraditionalQuery {
		t.Fatalf("recorded %v, want single traditional clear", recorded)
	}
}

func TestNodesFlushBeforeRelationships(t *testing.T) {
	store := &fakeStore{}
	b := testBatcher(store, config.DefaultConfig(), FixedMemory{Used: 10, Available: 1024})

	payload := Payload{
		Nodes: []Node{
			{Label: LabelFloor, UID: "floor_1"},
			{Label: LabelWallSegment, UID: "wall_1"},
		},
		Relationships: []Relationship{
			{StartLabel: LabelFloor, StartUID: "floor_1", Type: RelHasWall, EndLabel: LabelWallSegment, EndUID: "wall_1"},
		},
	}
	if err := b.Write(context.Background(), payload); err != nil {
		t.Fatalf("Write: %v", err)
	}

	var sawRel bool
	for _, q := range store.recorded() {
		if strings.Contains(q.query, "MERGE (a)-[r:") {
			sawRel = true
		}
		if strings.Contains(q.query, "MERGE (n:") && sawRel {
			t.Fatal("node merge recorded after relationship merge")
		}
	}
	if !sawRel {
		t.Fatal("relationship merge never recorded")
	}
}

func TestNodeGroupingByLabel(t *testing.T) {
	store := &fakeStore{}
	b := testBatcher(store, config.DefaultConfig(), FixedMemory{Used: 10, Available: 1024})

	nodes := []Node{
		{Label: LabelSpace, UID: "space_1"},
		{Label: LabelWallSegment, UID: "wall_1"},
		{Label: LabelSpace, UID: "space_2"},
	}
	if err := b.WriteNodes(context.Background(), nodes); err != nil {
		t.Fatalf("WriteNodes: %v", err)
	}

	spaceMerges := store.queriesMatching("MERGE (n:Space")
	if len(spaceMerges) != 1 {
		t.Fatalf("Space merged in %d batches, want 1", len(spaceMerges))
	}
	batch := spaceMerges[0].params["nodes"].([]map[string]interface{})
	if len(batch) != 2 {
		t.Errorf("Space batch size = %d, want 2", len(batch))
	}
	// The merge key must survive SET n = props.
	props := batch[0]["props"].(map[string]interface{})
	if props["uid"] != "space_1" {
		t.Errorf("props.uid = %v, want space_1", props["uid"])
	}
}

func TestPayloadErrorOnMissingUID(t *testing.T) {
	store := &fakeStore{}
	b := testBatcher(store, config.DefaultConfig(), FixedMemory{Used: 10, Available: 1024})

	err := b.WriteNodes(context.Background(), []Node{{Label: LabelSpace}})
	var payloadErr *PayloadError
	if !errors.As(err, &payloadErr) {
		t.Fatalf("err = %v, want PayloadError", err)
	}
	if len(store.recorded()) != 0 {
		t.Error("malformed payload still reached the store")
	}
}

func TestBatchSizeBounds(t *testing.T) {
	cfg := config.DefaultConfig()
	cases := []struct {
		name    string
		total   int
		availMB float64
		want    int
	}{
		{"small payload, baseline memory", 100, 1024, 100},
		{"large payload, baseline memory", 100000, 1024, 1000},
		{"memory factor capped at 2x", 100000, 8192, 2000},
		{"low memory halves", 100000, 400, 195},
		{"never below minimum", 10, 100, cfg.Batch.MinBatchSize},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := testBatcher(&fakeStore{}, cfg, FixedMemory{Used: 10, Available: tc.availMB})
			if got := b.batchSize(tc.total); got != tc.want {
				t.Errorf("batchSize(%d) with %.0f MB = %d, want %d", tc.total, tc.availMB, got, tc.want)
			}
		})
	}
}

func TestBackpressurePauses(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{}
	b := testBatcher(store, cfg, FixedMemory{Used: 90, Available: 1024})

	var slept []time.Duration
	b.sleep = func(d time.Duration) { slept = append(slept, d) }
	b.SetPauses(time.Second, 3*time.Second)

	b.applyBackpressure()
	if len(slept) != 1 || slept[0] != 3*time.Second {
		t.Errorf("critical pressure slept %v, want one 3s pause", slept)
	}

	slept = nil
	b.mem = FixedMemory{Used: 80, Available: 1024}
	b.applyBackpressure()
	if len(slept) != 1 || slept[0] != time.Second {
		t.Errorf("high pressure slept %v, want one 1s pause", slept)
	}

	slept = nil
	b.mem = FixedMemory{Used: 50, Available: 1024}
	b.applyBackpressure()
	if len(slept) != 0 {
		t.Errorf("normal pressure slept %v, want none", slept)
	}
}

func TestWriteSucceedsAfterTransientRetries(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{failures: []error{
		&TransientWriteError{Err: errors.New("deadlock")},
		&TransientWriteError{Err: errors.New("deadlock")},
		&TransientWriteError{Err: errors.New("deadlock")},
	}}
	b := testBatcher(store, cfg, FixedMemory{Used: 10, Available: 1024})

	// RetryMax failures still succeed on the final attempt.
	if err := b.WriteNodes(context.Background(), wallNodes(1)); err != nil {
		t.Fatalf("WriteNodes after %d transient failures: %v", cfg.Batch.RetryMax, err)
	}
}

func TestWritePromotesToFatalPastRetryBudget(t *testing.T) {
	cfg := config.DefaultConfig()
	store := &fakeStore{failures: []error{
		&TransientWriteError{Err: errors.New("deadlock")},
		&TransientWriteError{Err: errors.New("deadlock")},
		&TransientWriteError{Err: errors.New("deadlock")},
		&TransientWriteError{Err: errors.New("deadlock")},
	}}
	b := testBatcher(store, cfg, FixedMemory{Used: 10, Available: 1024})

	err := b.WriteNodes(context.Background(), wallNodes(1))
	var fatal *FatalWriteError
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want FatalWriteError", err)
	}
}
