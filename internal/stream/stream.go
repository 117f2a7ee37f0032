// Package stream yields canonical entities from a parsed-file artifact as a
// bounded lazy sequence. The artifact is decoded token by token so memory
// stays O(chunk size) regardless of file size.
//
// Two document layouts are understood: a root array of entity records, and a
// root object carrying an OBJECTS array plus an optional HEADER section. A
// HEADER section is folded into the stream as one synthetic SCALE_INFO entity.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cadgraph/internal/entity"
	"cadgraph/internal/logging"
)

const readBufferSize = 64 << 10

// scaleFields are the HEADER variables folded into the synthetic SCALE_INFO
// entity, all defaulting to 1.0.
var scaleFields = []string{"dimscale", "ltscale", "cmlscale", "celtscale"}

type phase int

const (
	phaseUnopened phase = iota
	phaseEntities
	phaseDone
)

type layout int

const (
	layoutUnknown layout = iota
	layoutArray
	layoutObject
)

func (l layout) String() string {
	switch l {
	case layoutArray:
		return "array"
	case layoutObject:
		return "object"
	default:
		return "unknown"
	}
}

// Streamer iterates a JSON artifact chunk by chunk. It opens the file on the
// first NextChunk call and is single-pass until Restart. Not safe for
// concurrent use.
type Streamer struct {
	path string
	norm *entity.Normalizer

	f           *os.File
	dec         *json.Decoder
	phase       phase
	layout      layout
	objectsSeen bool
	pending     []entity.Entity
}

// New returns a Streamer over the artifact at path. The file is not touched
// until the first read.
func New(path string) *Streamer {
	return &Streamer{path: path, norm: entity.NewNormalizer()}
}

// Path returns the artifact path the Streamer reads from.
func (s *Streamer) Path() string { return s.path }

// Stats returns a copy of the normalization statistics accumulated so far.
func (s *Streamer) Stats() entity.Stats { return s.norm.Stats() }

// NextChunk returns up to n canonical entities. It returns io.EOF once the
// stream is exhausted; the final data-bearing chunk may be shorter than n.
// Records that fail normalization are counted and skipped, never fatal.
func (s *Streamer) NextChunk(ctx context.Context, n int) ([]entity.Entity, error) {
	if n <= 0 {
		return nil, fmt.Errorf("chunk size %d must be positive", n)
	}
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	chunk := make([]entity.Entity, 0, n)
	for len(chunk) < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if len(s.pending) > 0 {
			chunk = append(chunk, s.pending[0])
			s.pending = s.pending[1:]
			continue
		}

		if s.phase == phaseDone {
			break
		}

		if !s.dec.More() {
			if err := s.finishEntities(); err != nil {
				return nil, err
			}
			continue
		}

		var raw interface{}
		if err := s.dec.Decode(&raw); err != nil {
			return nil, s.wrapErr(err)
		}
		rec, ok := raw.(map[string]interface{})
		if !ok {
			st := s.norm.StatsRef()
			st.Processed++
			st.Dropped++
			st.Warn("non-record element (%T) skipped", raw)
			continue
		}
		if ent, ok := s.norm.Normalize(rec); ok {
			chunk = append(chunk, ent)
		}
	}

	if len(chunk) == 0 {
		return nil, io.EOF
	}
	return chunk, nil
}

// Restart rewinds the stream to the beginning. Statistics reset with it so a
// second pass counts from zero.
func (s *Streamer) Restart() error {
	if _, err := os.Stat(s.path); err != nil {
		return &SourceError{Path: s.path, Err: err}
	}
	if s.f != nil {
		s.f.Close()
		s.f = nil
	}
	s.dec = nil
	s.phase = phaseUnopened
	s.layout = layoutUnknown
	s.objectsSeen = false
	s.pending = nil
	s.norm = entity.NewNormalizer()
	return nil
}

// Close releases the underlying file. The Streamer may be restarted afterwards.
func (s *Streamer) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// ensureOpen opens the artifact, probes the layout and positions the decoder
// inside the entities array.
func (s *Streamer) ensureOpen() error {
	if s.phase != phaseUnopened {
		return nil
	}

	f, err := os.Open(s.path)
	if err != nil {
		return &SourceError{Path: s.path, Err: err}
	}
	s.f = f
	s.dec = json.NewDecoder(bufio.NewReaderSize(f, readBufferSize))
	s.dec.UseNumber()

	tok, err := s.dec.Token()
	if err != nil {
		return s.wrapErr(err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return &DecodeError{Path: s.path, Offset: s.dec.InputOffset(), Err: fmt.Errorf("document root is %v, want array or object", tok)}
	}

	switch delim {
	case '[':
		s.layout = layoutArray
		s.phase = phaseEntities
	case '{':
		s.layout = layoutObject
		if err := s.walkObjectKeys(true); err != nil {
			return err
		}
	default:
		return &DecodeError{Path: s.path, Offset: s.dec.InputOffset(), Err: fmt.Errorf("document root is %q, want array or object", delim)}
	}

	logging.Stream("opened %s layout=%s", filepath.Base(s.path), s.layout)
	return nil
}

// finishEntities consumes the entities array terminator and, for the object
// layout, the remaining top-level keys. A HEADER section that trails OBJECTS
// still synthesizes its SCALE_INFO, delivered after the source entities.
func (s *Streamer) finishEntities() error {
	if _, err := s.dec.Token(); err != nil {
		return s.wrapErr(err)
	}
	if s.layout == layoutObject {
		return s.walkObjectKeys(false)
	}
	s.phase = phaseDone
	return nil
}

// walkObjectKeys advances through top-level keys of the object layout. With
// stopAtObjects it halts inside the OBJECTS array; otherwise it consumes keys
// until the object closes. HEADER sections are folded into pending entities,
// everything else is skipped without materializing.
func (s *Streamer) walkObjectKeys(stopAtObjects bool) error {
	for {
		tok, err := s.dec.Token()
		if err != nil {
			return s.wrapErr(err)
		}
		switch t := tok.(type) {
		case json.Delim:
			if t == '}' {
				s.phase = phaseDone
				return nil
			}
			return &DecodeError{Path: s.path, Offset: s.dec.InputOffset(), Err: fmt.Errorf("unexpected %q in document object", t)}
		case string:
			switch {
			case strings.EqualFold(t, "HEADER"):
				var hdr map[string]interface{}
				if err := s.dec.Decode(&hdr); err != nil {
					return s.wrapErr(err)
				}
				s.queueScaleInfo(hdr)
			case strings.EqualFold(t, "OBJECTS") && stopAtObjects && !s.objectsSeen:
				open, err := s.dec.Token()
				if err != nil {
					return s.wrapErr(err)
				}
				if d, ok := open.(json.Delim); !ok || d != '[' {
					return &DecodeError{Path: s.path, Offset: s.dec.InputOffset(), Err: fmt.Errorf("OBJECTS is %v, want array", open)}
				}
				s.objectsSeen = true
				s.phase = phaseEntities
				return nil
			default:
				if err := skipValue(s.dec); err != nil {
					return s.wrapErr(err)
				}
			}
		default:
			return &DecodeError{Path: s.path, Offset: s.dec.InputOffset(), Err: fmt.Errorf("unexpected token %v in document object", tok)}
		}
	}
}

// queueScaleInfo folds a HEADER section into one synthetic SCALE_INFO entity.
// Missing scale variables default to 1.0.
func (s *Streamer) queueScaleInfo(header map[string]interface{}) {
	rec := map[string]interface{}{
		"type":  "SCALE_INFO",
		"layer": "METADATA",
	}
	for _, name := range scaleFields {
		rec[name] = headerValue(header, name)
	}
	if ent, ok := s.norm.Normalize(rec); ok {
		s.pending = append(s.pending, ent)
		logging.StreamDebug("synthesized SCALE_INFO from HEADER (%d vars)", len(header))
	}
}

// headerValue finds a HEADER variable regardless of case.
func headerValue(header map[string]interface{}, name string) interface{} {
	for k, v := range header {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return 1.0
}

// wrapErr classifies a decoder failure: JSON-level problems become
// DecodeError, reader failures become SourceError.
func (s *Streamer) wrapErr(err error) error {
	var offset int64
	if s.dec != nil {
		offset = s.dec.InputOffset()
	}
	if errors.Is(err, io.EOF) {
		return &DecodeError{Path: s.path, Offset: offset, Err: io.ErrUnexpectedEOF}
	}
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	if errors.As(err, &syn) || errors.As(err, &typ) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &DecodeError{Path: s.path, Offset: offset, Err: err}
	}
	return &SourceError{Path: s.path, Err: err}
}

// skipValue consumes exactly one JSON value without materializing it.
func skipValue(dec *json.Decoder) error {
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '[', '{':
				depth++
			case ']', '}':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

// CountEntities scans the artifact and returns the number of records in its
// entities array without materializing them. A synthetic SCALE_INFO is not
// counted; only source records are.
func CountEntities(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &SourceError{Path: path, Err: err}
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReaderSize(f, readBufferSize))
	wrap := func(err error) error {
		var syn *json.SyntaxError
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &syn) {
			return &DecodeError{Path: path, Offset: dec.InputOffset(), Err: err}
		}
		return &SourceError{Path: path, Err: err}
	}

	tok, err := dec.Token()
	if err != nil {
		return 0, wrap(err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return 0, &DecodeError{Path: path, Offset: dec.InputOffset(), Err: fmt.Errorf("document root is %v, want array or object", tok)}
	}

	switch delim {
	case '[':
		return countArray(ctx, dec, wrap)
	case '{':
		for {
			tok, err := dec.Token()
			if err != nil {
				return 0, wrap(err)
			}
			switch t := tok.(type) {
			case json.Delim:
				if t == '}' {
					return 0, nil
				}
				return 0, &DecodeError{Path: path, Offset: dec.InputOffset(), Err: fmt.Errorf("unexpected %q in document object", t)}
			case string:
				if strings.EqualFold(t, "OBJECTS") {
					open, err := dec.Token()
					if err != nil {
						return 0, wrap(err)
					}
					if d, ok := open.(json.Delim); !ok || d != '[' {
						return 0, &DecodeError{Path: path, Offset: dec.InputOffset(), Err: fmt.Errorf("OBJECTS is %v, want array", open)}
					}
					return countArray(ctx, dec, wrap)
				}
				if err := skipValue(dec); err != nil {
					return 0, wrap(err)
				}
			default:
				return 0, &DecodeError{Path: path, Offset: dec.InputOffset(), Err: fmt.Errorf("unexpected token %v in document object", tok)}
			}
		}
	default:
		return 0, &DecodeError{Path: path, Offset: dec.InputOffset(), Err: fmt.Errorf("document root is %q, want array or object", delim)}
	}
}

func countArray(ctx context.Context, dec *json.Decoder, wrap func(error) error) (int, error) {
	count := 0
	for dec.More() {
		if count%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return count, err
			}
		}
		if err := skipValue(dec); err != nil {
			return count, wrap(err)
		}
		count++
	}
	return count, nil
}
