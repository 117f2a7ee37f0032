package graph

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"cadgraph/internal/config"
	"cadgraph/internal/logging"
)

// Clear queries. The fast path uses batched inner transactions so huge
// graphs delete without blowing the transaction memory limit; it cannot run
// inside a managed transaction on every store, so a failure falls back to
// the traditional single-transaction delete.
const (
	clearFastQuery        = "MATCH (n) CALL { WITH n DETACH DELETE n } IN TRANSACTIONS OF 10000 ROWS"
	clearTraditionalQuery = "MATCH (n) DETACH DELETE n"
)

// Batcher groups projector output by label and edge pattern and writes it
// to the store in adaptively sized, retried, merge-by-uid batches. One
// Batcher serves one ingest; the first flush clears prior data.
type Batcher struct {
	sessions *SessionManager
	cfg      config.BatchConfig
	mem      MemoryMonitor

	// Backpressure pauses, injectable so tests do not sleep.
	pauseHigh     time.Duration
	pauseCritical time.Duration
	sleep         func(time.Duration)

	cleared bool
	summary Summary
}

// NewBatcher wires a batcher to the shared session manager.
func NewBatcher(sessions *SessionManager, cfg config.BatchConfig, mem MemoryMonitor) *Batcher {
	if mem == nil {
		mem = SystemMemory{}
	}
	return &Batcher{
		sessions:      sessions,
		cfg:           cfg,
		mem:           mem,
		pauseHigh:     time.Second,
		pauseCritical: 3 * time.Second,
		sleep:         time.Sleep,
	}
}

// SetPauses overrides the backpressure pauses. Tests use zero durations.
func (b *Batcher) SetPauses(high, critical time.Duration) {
	b.pauseHigh = high
	b.pauseCritical = critical
}

// Summary returns the counters accumulated across all flushes so far.
func (b *Batcher) Summary() Summary {
	return b.summary
}

// Clear wipes all prior data. It runs once per ingest, before the first
// write; later calls are no-ops. An ingest that aborts after Clear leaves
// the graph empty rather than half-written.
func (b *Batcher) Clear(ctx context.Context) error {
	if b.cleared {
		return nil
	}
	timer := logging.StartTimer(logging.CategoryGraph, "Clear")
	defer timer.StopWithInfo()

	_, err := b.sessions.ExecuteWithRetry(ctx, func(tx Tx) (interface{}, error) {
		sum, err := tx.Run(ctx, clearFastQuery, nil)
		return sum, err
	})
	if err != nil {
		logging.GraphWarn("fast clear unavailable (%v), falling back to single-transaction delete", err)
		_, err = b.sessions.ExecuteWithRetry(ctx, func(tx Tx) (interface{}, error) {
			sum, err := tx.Run(ctx, clearTraditionalQuery, nil)
			return sum, err
		})
		if err != nil {
			return err
		}
	}
	b.cleared = true
	logging.Graph("prior graph data cleared")
	return nil
}

// Write flushes one payload: Clear on the first call, then all nodes, then
// all relationships. Relationships never flush before the nodes of the same
// payload.
func (b *Batcher) Write(ctx context.Context, payload Payload) error {
	if err := b.Clear(ctx); err != nil {
		return err
	}
	if err := b.WriteNodes(ctx, payload.Nodes); err != nil {
		return err
	}
	return b.WriteRelationships(ctx, payload.Relationships)
}

// WriteNodes groups nodes by label and merges each group by uid in batches.
// SET n = props replaces the node's prior property set, so re-running an
// ingest converges instead of accumulating.
func (b *Batcher) WriteNodes(ctx context.Context, nodes []Node) error {
	if len(nodes) == 0 {
		return nil
	}
	batchSize := b.batchSize(len(nodes))

	labels, groups, err := groupNodes(nodes)
	if err != nil {
		return err
	}

	for _, label := range labels {
		group := groups[label]
		for start := 0; start < len(group); start += batchSize {
			end := start + batchSize
			if end > len(group) {
				end = len(group)
			}
			b.applyBackpressure()

			batch := group[start:end]
			query := fmt.Sprintf(
				"UNWIND $nodes AS node\nWITH DISTINCT node.uid AS uid, node.props AS props\nMERGE (n:%s {uid: uid})\nSET n = props", label)
			out, err := b.sessions.ExecuteWithRetry(ctx, func(tx Tx) (interface{}, error) {
				return tx.Run(ctx, query, map[string]interface{}{"nodes": batch})
			})
			if err != nil {
				return err
			}
			if sum, ok := out.(Summary); ok {
				b.summary.Add(sum)
			}
			logging.GraphDebug("flushed %d %s nodes", len(batch), label)
		}
	}
	return nil
}

// WriteRelationships groups relationships by (start label, type, end label)
// and merges each pattern in batches. Endpoints must already exist; MERGE
// keeps retried batches idempotent.
func (b *Batcher) WriteRelationships(ctx context.Context, rels []Relationship) error {
	if len(rels) == 0 {
		return nil
	}
	batchSize := b.batchSize(len(rels))

	patterns, groups, err := groupRelationships(rels)
	if err != nil {
		return err
	}

	for _, pat := range patterns {
		group := groups[pat]
		for start := 0; start < len(group); start += batchSize {
			end := start + batchSize
			if end > len(group) {
				end = len(group)
			}
			b.applyBackpressure()

			batch := group[start:end]
			query := fmt.Sprintf(
				"UNWIND $rels AS rel\nMATCH (a:%s {uid: rel.start_uid})\nMATCH (b:%s {uid: rel.end_uid})\nMERGE (a)-[r:%s]->(b)\nSET r += rel.props",
				pat.start, pat.end, pat.relType)
			out, err := b.sessions.ExecuteWithRetry(ctx, func(tx Tx) (interface{}, error) {
				return tx.Run(ctx, query, map[string]interface{}{"rels": batch})
			})
			if err != nil {
				return err
			}
			if sum, ok := out.(Summary); ok {
				b.summary.Add(sum)
			}
			logging.GraphDebug("flushed %d %s-[:%s]->%s relationships", len(batch), pat.start, pat.relType, pat.end)
		}
	}
	return nil
}

// batchSize computes the adaptive batch size: base clamp(total/30, 100, 1000)
// scaled by min(2.0, availableMB/1024), clamped to the configured bounds and
// halved under 512 MB available.
func (b *Batcher) batchSize(total int) int {
	base := total / 30
	if base < 100 {
		base = 100
	}
	if base > 1000 {
		base = 1000
	}

	availMB := b.mem.AvailableMB()
	factor := availMB / 1024
	if factor > 2.0 {
		factor = 2.0
	}
	size := int(float64(base) * factor)

	if size < b.cfg.MinBatchSize {
		size = b.cfg.MinBatchSize
	}
	if size > b.cfg.MaxBatchSize {
		size = b.cfg.MaxBatchSize
	}
	if availMB < 512 {
		size /= 2
		if size < b.cfg.MinBatchSize {
			size = b.cfg.MinBatchSize
		}
		logging.GraphWarn("low memory (%.0f MB available), batch size reduced to %d", availMB, size)
	}
	return size
}

// applyBackpressure pauses between batches under memory pressure. Critical
// pressure also forces a GC cycle before the pause.
func (b *Batcher) applyBackpressure() {
	used := b.mem.UsedPercent()
	switch {
	case used > b.cfg.MemoryCriticalPct:
		logging.GraphWarn("critical memory pressure (%.1f%% used), forcing GC and pausing %s", used, b.pauseCritical)
		runtime.GC()
		b.sleep(b.pauseCritical)
	case used > b.cfg.MemoryHighPct:
		logging.GraphWarn("high memory pressure (%.1f%% used), pausing %s", used, b.pauseHigh)
		b.sleep(b.pauseHigh)
	}
}

// groupNodes buckets nodes by label in first-seen order, applying the final
// property sweep. The uid is mirrored into props so SET n = props cannot
// erase the merge key.
func groupNodes(nodes []Node) ([]Label, map[Label][]map[string]interface{}, error) {
	var labels []Label
	groups := make(map[Label][]map[string]interface{})
	for i, n := range nodes {
		if n.Label == "" || n.UID == "" {
			return nil, nil, &PayloadError{Reason: fmt.Sprintf("node %d missing label or uid", i)}
		}
		props := SafeProps(n.Props)
		props["uid"] = n.UID
		if _, seen := groups[n.Label]; !seen {
			labels = append(labels, n.Label)
		}
		groups[n.Label] = append(groups[n.Label], map[string]interface{}{
			"uid":   n.UID,
			"props": props,
		})
	}
	return labels, groups, nil
}

type relPattern struct {
	start   Label
	relType RelType
	end     Label
}

// groupRelationships buckets relationships by pattern in first-seen order.
func groupRelationships(rels []Relationship) ([]relPattern, map[relPattern][]map[string]interface{}, error) {
	var patterns []relPattern
	groups := make(map[relPattern][]map[string]interface{})
	for i, r := range rels {
		if r.StartLabel == "" || r.EndLabel == "" || r.Type == "" || r.StartUID == "" || r.EndUID == "" {
			return nil, nil, &PayloadError{Reason: fmt.Sprintf("relationship %d missing endpoint or type", i)}
		}
		pat := relPattern{start: r.StartLabel, relType: r.Type, end: r.EndLabel}
		if _, seen := groups[pat]; !seen {
			patterns = append(patterns, pat)
		}
		groups[pat] = append(groups[pat], map[string]interface{}{
			"start_uid": r.StartUID,
			"end_uid":   r.EndUID,
			"props":     SafeProps(r.Props),
		})
	}
	return patterns, groups, nil
}
