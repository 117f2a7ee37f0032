package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"cadgraph/internal/logging"
)

// maxFlattenDepth bounds nested-map flattening; deeper maps are stringified.
const maxFlattenDepth = 4

// maxExactInt is the largest magnitude at which float64 represents every integer.
const maxExactInt = float64(1 << 53)

// kindKeys are the record fields that may carry the entity type, checked in order.
var kindKeys = []string{"kind", "type", "object", "entity"}

// Normalizer canonicalizes raw parser records. It is stateless apart from
// its statistics block and is safe to drive from a single goroutine per stream.
type Normalizer struct {
	stats Stats
}

// NewNormalizer returns a Normalizer with zeroed statistics.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Stats returns a copy of the accumulated statistics.
func (n *Normalizer) Stats() Stats {
	return n.stats
}

// StatsRef exposes the live statistics block for callers that merge streams.
func (n *Normalizer) StatsRef() *Stats {
	return &n.stats
}

// Normalize canonicalizes one raw record. The boolean is false when the
// record cannot be normalized; failures are counted, never fatal.
func (n *Normalizer) Normalize(raw map[string]interface{}) (Entity, bool) {
	n.stats.Processed++

	if raw == nil {
		n.stats.Dropped++
		n.stats.Warn("nil record dropped")
		return Entity{}, false
	}

	kind, kindKey, ok := n.resolveKind(raw)
	if !ok {
		n.stats.Dropped++
		n.stats.Warn("record without resolvable entity type dropped (keys=%d)", len(raw))
		logging.NormalizeDebug("dropped record with unresolvable type")
		return Entity{}, false
	}

	ent := Entity{
		Kind:  kind,
		Layer: n.layerOf(raw),
		Attrs: make(map[string]interface{}, len(raw)),
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if k == kindKey || k == "layer" || isKindKey(k) {
			continue
		}
		v := raw[k]
		if v == nil {
			continue
		}
		n.normalizeField(SanitizeKey(k), v, ent.Attrs)
	}

	n.stats.Normalized++
	return ent, true
}

// resolveKind finds the entity type from the designated keys. Textual names
// resolve through the alias table, numeric values through the DWG code table.
func (n *Normalizer) resolveKind(raw map[string]interface{}) (Kind, string, bool) {
	for _, key := range kindKeys {
		v, present := raw[key]
		if !present {
			continue
		}
		switch tv := v.(type) {
		case string:
			if k, ok := KindFromName(tv); ok {
				return k, key, true
			}
		default:
			if code, ok := toInt(v); ok {
				if k, found := KindFromCode(code); found {
					return k, key, true
				}
			}
		}
	}
	return "", "", false
}

func isKindKey(k string) bool {
	for _, kk := range kindKeys {
		if k == kk {
			return true
		}
	}
	return false
}

// layerOf extracts the layer name, defaulting to "0".
func (n *Normalizer) layerOf(raw map[string]interface{}) string {
	v, present := raw["layer"]
	if !present || v == nil {
		return "0"
	}
	switch tv := v.(type) {
	case string:
		s, recovered := DecodeText([]byte(tv))
		if recovered {
			n.stats.StringsRecovered++
		}
		if strings.TrimSpace(s) == "" {
			return "0"
		}
		return s
	case []byte:
		s, recovered := DecodeText(tv)
		if recovered {
			n.stats.StringsRecovered++
		}
		if strings.TrimSpace(s) == "" {
			return "0"
		}
		return s
	default:
		if iv, ok := toInt(v); ok {
			return fmt.Sprintf("%d", iv)
		}
		return fmt.Sprintf("%v", v)
	}
}

// normalizeField canonicalizes one attribute and stores the result, possibly
// as several flattened keys.
func (n *Normalizer) normalizeField(key string, v interface{}, attrs map[string]interface{}) {
	switch tv := v.(type) {
	case map[string]interface{}:
		n.flattenInto(key, tv, attrs, 0)

	case []interface{}:
		n.normalizeArray(key, tv, attrs)

	default:
		attrs[key] = n.normalizeScalar(tv)
	}
}

// normalizeArray handles the three array shapes: coordinate vectors,
// vertex lists, and scalar arrays. Anything else is serialized.
func (n *Normalizer) normalizeArray(key string, arr []interface{}, attrs map[string]interface{}) {
	if len(arr) == 0 {
		attrs[key] = []interface{}{}
		return
	}

	if coord, ok := toCoordinate(arr); ok {
		attrs[key] = coord
		n.stats.CoordsRewritten++
		return
	}

	if coords, ok := toCoordinateList(arr); ok {
		attrs[key] = coords
		n.stats.CoordsRewritten++
		return
	}

	if recs, ok := toRecordList(arr); ok {
		for i, rec := range recs {
			n.flattenInto(fmt.Sprintf("%s_%d", key, i), rec, attrs, 0)
		}
		return
	}

	out := make([]interface{}, 0, len(arr))
	homogeneous := true
	sawInt := false
	sawFloat := false
	var firstType string
	for i, el := range arr {
		sv := n.normalizeScalar(el)
		if !isScalar(sv) {
			homogeneous = false
			break
		}
		t := scalarType(sv)
		switch t {
		case "int":
			sawInt = true
		case "float":
			sawFloat = true
		}
		if i == 0 {
			firstType = t
		} else if t != firstType && !(numericType(t) && numericType(firstType)) {
			homogeneous = false
			break
		}
		out = append(out, sv)
	}
	if homogeneous {
		// Mixed int/float arrays promote to float so element types stay uniform.
		if sawInt && sawFloat {
			for i, el := range out {
				if iv, ok := el.(int64); ok {
					out[i] = float64(iv)
				}
			}
		}
		attrs[key] = out
		return
	}

	attrs[key] = forceJSON(arr)
	n.stats.ArraysSerialized++
	n.stats.Warn("heterogeneous array %q serialized to JSON", key)
}

// flattenInto prefixes nested record keys onto the outer key
// (color.index -> color_index). Maps that resist flattening are stringified.
func (n *Normalizer) flattenInto(prefix string, m map[string]interface{}, attrs map[string]interface{}, depth int) {
	if depth >= maxFlattenDepth {
		attrs[prefix] = forceJSON(m)
		n.stats.Warn("map %q exceeded flatten depth, serialized", prefix)
		return
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := m[k]
		if v == nil {
			continue
		}
		flat := prefix + "_" + SanitizeKey(k)
		switch tv := v.(type) {
		case map[string]interface{}:
			n.flattenInto(flat, tv, attrs, depth+1)
		case []interface{}:
			n.normalizeArray(flat, tv, attrs)
		default:
			attrs[flat] = n.normalizeScalar(tv)
		}
	}
	n.stats.MapsFlattened++
}

// normalizeScalar canonicalizes a single value: numbers to float64/int64,
// text to valid UTF-8, everything opaque to its string form.
func (n *Normalizer) normalizeScalar(v interface{}) interface{} {
	switch tv := v.(type) {
	case bool:
		return tv
	case string:
		s, recovered := DecodeText([]byte(tv))
		if recovered {
			n.stats.StringsRecovered++
		}
		return s
	case []byte:
		s, recovered := DecodeText(tv)
		if recovered {
			n.stats.StringsRecovered++
		}
		return s
	case json.Number:
		return normalizeJSONNumber(tv)
	case float64:
		return NormalizeNumber(tv)
	case float32:
		return NormalizeNumber(float64(tv))
	case int:
		return int64(tv)
	case int8:
		return int64(tv)
	case int16:
		return int64(tv)
	case int32:
		return int64(tv)
	case int64:
		return tv
	case uint:
		return int64(tv)
	case uint8:
		return int64(tv)
	case uint16:
		return int64(tv)
	case uint32:
		return int64(tv)
	case uint64:
		if tv > math.MaxInt64 {
			return float64(tv)
		}
		return int64(tv)
	default:
		return forceJSON(tv)
	}
}

// NormalizeNumber rounds to 6 fractional digits and collapses integer-valued
// results within 2^53 to int64.
func NormalizeNumber(f float64) interface{} {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	r := round6(f)
	if r == math.Trunc(r) && math.Abs(r) < maxExactInt {
		return int64(r)
	}
	return r
}

// normalizeJSONNumber keeps exact integers exact and routes decimals through
// the float path.
func normalizeJSONNumber(num json.Number) interface{} {
	s := num.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := num.Int64(); err == nil {
			return i
		}
	}
	f, err := num.Float64()
	if err != nil {
		return s
	}
	return NormalizeNumber(f)
}

// DecodeText decodes bytes through the utf-8, latin-1, cp1252 chain, with a
// lossy utf-8 fallback. The boolean reports whether recovery was needed.
func DecodeText(b []byte) (string, bool) {
	if utf8.Valid(b) {
		return string(b), false
	}
	for _, cm := range []*charmap.Charmap{charmap.ISO8859_1, charmap.Windows1252} {
		if decoded, err := cm.NewDecoder().Bytes(b); err == nil {
			return string(decoded), true
		}
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError)), true
}

// SanitizeKey replaces dots and spaces in attribute keys with underscores.
func SanitizeKey(k string) string {
	k = strings.ReplaceAll(k, ".", "_")
	return strings.ReplaceAll(k, " ", "_")
}

// toCoordinate interprets a length-2 or length-3 all-numeric array.
func toCoordinate(arr []interface{}) (Coordinate, bool) {
	if len(arr) != 2 && len(arr) != 3 {
		return Coordinate{}, false
	}
	vals := make([]float64, 0, 3)
	for _, el := range arr {
		f, ok := toFloat(el)
		if !ok {
			return Coordinate{}, false
		}
		vals = append(vals, f)
	}
	c := Coordinate{X: round6(vals[0]), Y: round6(vals[1])}
	if len(vals) == 3 {
		c.Z = round6(vals[2])
	}
	return c, true
}

// toCoordinateList interprets an array whose elements are all numeric vectors.
func toCoordinateList(arr []interface{}) ([]Coordinate, bool) {
	coords := make([]Coordinate, 0, len(arr))
	for _, el := range arr {
		inner, ok := el.([]interface{})
		if !ok {
			return nil, false
		}
		c, ok := toCoordinate(inner)
		if !ok {
			return nil, false
		}
		coords = append(coords, c)
	}
	return coords, true
}

// toRecordList interprets an array whose elements are all maps.
func toRecordList(arr []interface{}) ([]map[string]interface{}, bool) {
	recs := make([]map[string]interface{}, 0, len(arr))
	for _, el := range arr {
		m, ok := el.(map[string]interface{})
		if !ok {
			return nil, false
		}
		recs = append(recs, m)
	}
	return recs, true
}

func toFloat(v interface{}) (float64, bool) {
	switch tv := v.(type) {
	case float64:
		return tv, true
	case float32:
		return float64(tv), true
	case int:
		return float64(tv), true
	case int32:
		return float64(tv), true
	case int64:
		return float64(tv), true
	case json.Number:
		f, err := tv.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int64, bool) {
	switch tv := v.(type) {
	case int:
		return int64(tv), true
	case int32:
		return int64(tv), true
	case int64:
		return tv, true
	case float64:
		if tv == math.Trunc(tv) {
			return int64(tv), true
		}
		return 0, false
	case json.Number:
		i, err := tv.Int64()
		if err == nil {
			return i, true
		}
		f, ferr := tv.Float64()
		if ferr == nil && f == math.Trunc(f) {
			return int64(f), true
		}
		return 0, false
	default:
		return 0, false
	}
}

func round6(f float64) float64 {
	// Past 2^53 the value has no fractional digits left to round and the
	// multiply/divide trip would drift.
	if math.Abs(f) >= maxExactInt {
		return f
	}
	return math.Round(f*1e6) / 1e6
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case bool, int64, float64, string:
		return true
	default:
		return false
	}
}

func numericType(t string) bool {
	return t == "int" || t == "float"
}

func scalarType(v interface{}) string {
	switch v.(type) {
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	default:
		return "other"
	}
}

func forceJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
