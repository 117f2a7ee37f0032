package stream

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"cadgraph/internal/entity"
)

func writeArtifact(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func drain(t *testing.T, s *Streamer, chunkSize int) []entity.Entity {
	t.Helper()
	var all []entity.Entity
	for {
		chunk, err := s.NextChunk(context.Background(), chunkSize)
		if err == io.EOF {
			return all
		}
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		all = append(all, chunk...)
	}
}

func TestRootArrayLayout(t *testing.T) {
	path := writeArtifact(t, "doc.json", `[
		{"type": "LINE", "start": [0, 0], "end": [10, 0]},
		{"type": 23, "start": [10, 0], "end": [10, 5]},
		{"type": "CIRCLE", "center": [5, 5], "radius": 2.5},
		{"type": "TEXT", "text": "Room 101", "ins_pt": [1, 1]},
		{"type": "LWPOLYLINE", "points": [[0,0],[1,0],[1,1]], "flags": 1}
	]`)

	s := New(path)
	defer s.Close()

	first, err := s.NextChunk(context.Background(), 2)
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("first chunk size = %d, want 2", len(first))
	}
	if first[0].Kind != entity.KindLine || first[1].Kind != entity.KindLine {
		t.Errorf("first chunk kinds = %s, %s, want LINE, LINE", first[0].Kind, first[1].Kind)
	}

	second, err := s.NextChunk(context.Background(), 2)
	if err != nil || len(second) != 2 {
		t.Fatalf("second chunk = %d entities, err %v", len(second), err)
	}

	third, err := s.NextChunk(context.Background(), 2)
	if err != nil || len(third) != 1 {
		t.Fatalf("third chunk = %d entities, err %v", len(third), err)
	}
	if third[0].Kind != entity.KindLWPolyline {
		t.Errorf("last entity kind = %s, want LWPOLYLINE", third[0].Kind)
	}

	if _, err := s.NextChunk(context.Background(), 2); err != io.EOF {
		t.Errorf("after exhaustion err = %v, want io.EOF", err)
	}

	st := s.Stats()
	if st.Processed != 5 || st.Normalized != 5 {
		t.Errorf("stats = %+v, want 5 processed and normalized", st)
	}
}

func TestObjectLayoutSynthesizesScaleInfo(t *testing.T) {
	path := writeArtifact(t, "doc.json", `{
		"FILE_HEADER": {"version": "AC1027"},
		"HEADER": {"DIMSCALE": 2.5, "LTSCALE": 1.0, "MEASUREMENT": 1},
		"OBJECTS": [
			{"object": "LINE", "start": [0, 0], "end": [5, 0]},
			{"object": "CIRCLE", "center": [2, 2], "radius": 1}
		]
	}`)

	s := New(path)
	defer s.Close()
	all := drain(t, s, 10)

	if len(all) != 3 {
		t.Fatalf("entity count = %d, want 3 (scale info + 2 source)", len(all))
	}
	scale := all[0]
	if scale.Kind != entity.KindScaleInfo {
		t.Fatalf("first entity kind = %s, want SCALE_INFO", scale.Kind)
	}
	if scale.Layer != "METADATA" {
		t.Errorf("scale info layer = %q, want METADATA", scale.Layer)
	}
	if got := scale.Attrs["dimscale"]; got != 2.5 {
		t.Errorf("dimscale = %v, want 2.5", got)
	}
	if got := scale.Attrs["ltscale"]; got != int64(1) {
		t.Errorf("ltscale = %v (%T), want 1", got, got)
	}
	// Missing variables default to 1.0.
	if got := scale.Attrs["cmlscale"]; got != int64(1) {
		t.Errorf("cmlscale = %v (%T), want default 1", got, got)
	}
	if all[1].Kind != entity.KindLine || all[2].Kind != entity.KindCircle {
		t.Errorf("source entity kinds = %s, %s", all[1].Kind, all[2].Kind)
	}
}

func TestHeaderAfterObjects(t *testing.T) {
	path := writeArtifact(t, "doc.json", `{
		"OBJECTS": [{"object": "LINE", "start": [0,0], "end": [1,1]}],
		"HEADER": {"DIMSCALE": 3.0}
	}`)

	s := New(path)
	defer s.Close()
	all := drain(t, s, 10)

	if len(all) != 2 {
		t.Fatalf("entity count = %d, want 2", len(all))
	}
	if all[0].Kind != entity.KindLine {
		t.Errorf("first entity = %s, want LINE", all[0].Kind)
	}
	if all[1].Kind != entity.KindScaleInfo {
		t.Errorf("trailing entity = %s, want SCALE_INFO", all[1].Kind)
	}
	if got := all[1].Attrs["dimscale"]; got != int64(3) {
		t.Errorf("dimscale = %v (%T), want 3", got, got)
	}
}

func TestHeaderOnlyDocument(t *testing.T) {
	path := writeArtifact(t, "doc.json", `{"HEADER": {"DIMSCALE": 1.0}}`)

	s := New(path)
	defer s.Close()
	all := drain(t, s, 10)

	if len(all) != 1 || all[0].Kind != entity.KindScaleInfo {
		t.Fatalf("got %d entities, want exactly the synthetic SCALE_INFO", len(all))
	}
}

func TestEmptyDocuments(t *testing.T) {
	for name, body := range map[string]string{
		"empty array":   `[]`,
		"empty objects": `{"OBJECTS": []}`,
		"no objects":    `{"FILE_HEADER": {"version": "AC1027"}}`,
	} {
		t.Run(name, func(t *testing.T) {
			s := New(writeArtifact(t, "doc.json", body))
			defer s.Close()
			if _, err := s.NextChunk(context.Background(), 5); err != io.EOF {
				t.Errorf("err = %v, want io.EOF", err)
			}
		})
	}
}

func TestRestartResetsStream(t *testing.T) {
	path := writeArtifact(t, "doc.json", `[
		{"type": "LINE", "start": [0,0], "end": [1,0]},
		{"type": "LINE", "start": [1,0], "end": [1,1]}
	]`)

	s := New(path)
	defer s.Close()

	first := drain(t, s, 1)
	if len(first) != 2 {
		t.Fatalf("first pass = %d entities, want 2", len(first))
	}

	if err := s.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	second := drain(t, s, 1)
	if len(second) != 2 {
		t.Fatalf("second pass = %d entities, want 2", len(second))
	}
	if st := s.Stats(); st.Processed != 2 {
		t.Errorf("stats after restart = %+v, want counts from second pass only", st)
	}
}

func TestSkipsMalformedRecords(t *testing.T) {
	path := writeArtifact(t, "doc.json", `[
		{"type": "LINE", "start": [0,0], "end": [1,1]},
		42,
		{"note": "no type field"},
		{"type": "CIRCLE", "center": [0,0], "radius": 1}
	]`)

	s := New(path)
	defer s.Close()
	all := drain(t, s, 10)

	if len(all) != 2 {
		t.Fatalf("entity count = %d, want 2 surviving records", len(all))
	}
	st := s.Stats()
	if st.Processed != 4 {
		t.Errorf("Processed = %d, want 4", st.Processed)
	}
	if st.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", st.Dropped)
	}
}

func TestSourceErrorOnMissingFile(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "missing.json"))
	_, err := s.NextChunk(context.Background(), 5)
	var srcErr *SourceError
	if !errors.As(err, &srcErr) {
		t.Fatalf("err = %v, want SourceError", err)
	}
}

func TestDecodeErrorOnCorruption(t *testing.T) {
	cases := map[string]string{
		"truncated":   `[{"type": "LINE", "start"`,
		"scalar root": `"just a string"`,
		"bad syntax":  `[{"type": "LINE",}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			s := New(writeArtifact(t, "doc.json", body))
			defer s.Close()
			_, err := s.NextChunk(context.Background(), 5)
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Fatalf("err = %v, want DecodeError", err)
			}
		})
	}
}

func TestNextChunkValidatesSize(t *testing.T) {
	s := New(writeArtifact(t, "doc.json", `[]`))
	defer s.Close()
	if _, err := s.NextChunk(context.Background(), 0); err == nil {
		t.Error("expected error for non-positive chunk size")
	}
}

func TestNextChunkHonorsContext(t *testing.T) {
	path := writeArtifact(t, "doc.json", `[{"type": "LINE", "start": [0,0], "end": [1,1]}]`)
	s := New(path)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.NextChunk(ctx, 5); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestCountEntities(t *testing.T) {
	t.Run("array layout", func(t *testing.T) {
		path := writeArtifact(t, "doc.json", `[{"type":"LINE"},{"type":"CIRCLE"},42]`)
		n, err := CountEntities(context.Background(), path)
		if err != nil {
			t.Fatalf("CountEntities: %v", err)
		}
		if n != 3 {
			t.Errorf("count = %d, want 3 raw records", n)
		}
	})

	t.Run("object layout ignores header", func(t *testing.T) {
		path := writeArtifact(t, "doc.json", `{
			"HEADER": {"DIMSCALE": 1.0},
			"OBJECTS": [{"object":"LINE"},{"object":"ARC"}]
		}`)
		n, err := CountEntities(context.Background(), path)
		if err != nil {
			t.Fatalf("CountEntities: %v", err)
		}
		if n != 2 {
			t.Errorf("count = %d, want 2", n)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := CountEntities(context.Background(), filepath.Join(t.TempDir(), "gone.json"))
		var srcErr *SourceError
		if !errors.As(err, &srcErr) {
			t.Errorf("err = %v, want SourceError", err)
		}
	})
}
