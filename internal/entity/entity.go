// Package entity defines the canonical entity model produced by the
// Normalizer and consumed by the projector. A canonical entity carries only
// graph-safe values: scalars, homogeneous scalar arrays, coordinates, and
// coordinate arrays.
package entity

import "fmt"

// Coordinate is the canonical form of any 2- or 3-component numeric vector.
// A missing third component defaults to 0.
type Coordinate struct {
	X float64
	Y float64
	Z float64
}

// Entity is one canonicalized CAD record. Attrs values are one of:
// bool, int64, float64, string, Coordinate, []Coordinate, or a homogeneous
// slice of scalars. Never nested maps, never arbitrary-precision numbers.
type Entity struct {
	Kind  Kind
	Layer string
	Attrs map[string]interface{}
}

// maxWarnings bounds the retained warning strings; counters stay exact.
const maxWarnings = 100

// Stats accumulates normalization outcomes across a stream. Per-record
// failures are counted here and never abort processing.
type Stats struct {
	Processed        int
	Normalized       int
	Dropped          int
	CoordsRewritten  int
	StringsRecovered int
	MapsFlattened    int
	ArraysSerialized int
	Warnings         []string
	warningsDropped  int
}

// Warn records a per-entity warning without failing the stream.
func (s *Stats) Warn(format string, args ...interface{}) {
	if len(s.Warnings) >= maxWarnings {
		s.warningsDropped++
		return
	}
	s.Warnings = append(s.Warnings, fmt.Sprintf(format, args...))
}

// WarningsDropped reports how many warnings were discarded past the cap.
func (s *Stats) WarningsDropped() int {
	return s.warningsDropped
}

// Merge folds another stats block into this one.
func (s *Stats) Merge(other Stats) {
	s.Processed += other.Processed
	s.Normalized += other.Normalized
	s.Dropped += other.Dropped
	s.CoordsRewritten += other.CoordsRewritten
	s.StringsRecovered += other.StringsRecovered
	s.MapsFlattened += other.MapsFlattened
	s.ArraysSerialized += other.ArraysSerialized
	s.warningsDropped += other.warningsDropped
	for _, w := range other.Warnings {
		if len(s.Warnings) >= maxWarnings {
			s.warningsDropped++
			continue
		}
		s.Warnings = append(s.Warnings, w)
	}
}
