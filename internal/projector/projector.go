// Package projector maps canonical entities onto graph nodes and
// relationships. Geometry becomes Space/WallSegment/Feature nodes, text
// becomes Annotation nodes, block references and scale metadata keep their
// own labels. Everything hangs off one Building and one Floor per ingest.
package projector

import (
	"encoding/json"
	"fmt"
	"strings"

	"cadgraph/internal/entity"
	"cadgraph/internal/graph"
	"cadgraph/internal/logging"
)

// Root node uids, constant for every ingest. Floor inference is out of
// scope; all geometry lands on the single floor.
const (
	BuildingUID = "building_1"
	FloorUID    = "floor_1"
)

// Stats counts projector activity across chunks.
type Stats struct {
	Nodes         int
	Relationships int
	Discarded     int
	OpenPolylines int
}

// Projector carries the uid counters of one ingest. Counters advance in
// source order only, so chunk boundaries never change the uid an entity
// receives. Not safe for concurrent use; one ingest drives one Projector.
type Projector struct {
	counters struct {
		space      int
		wall       int
		feature    int
		annotation int
		metadata   int
	}
	stats Stats
}

// New returns a Projector with all counters at zero.
func New() *Projector {
	return &Projector{}
}

// Stats returns a copy of the accumulated counts.
func (p *Projector) Stats() Stats {
	return p.stats
}

// Bootstrap emits the Building and Floor roots every ingest starts from.
// sourceName labels the building after the drawing file.
func (p *Projector) Bootstrap(sourceName string) graph.Payload {
	var out graph.Payload
	out.Nodes = append(out.Nodes,
		graph.Node{
			Label: graph.LabelBuilding,
			UID:   BuildingUID,
			Props: map[string]interface{}{"name": fmt.Sprintf("DWG Building (%s)", sourceName)},
		},
		graph.Node{
			Label: graph.LabelFloor,
			UID:   FloorUID,
			Props: map[string]interface{}{"name": "Floor 1", "level": int64(1)},
		},
	)
	out.Relationships = append(out.Relationships, graph.Relationship{
		StartLabel: graph.LabelBuilding,
		StartUID:   BuildingUID,
		Type:       graph.RelHasFloor,
		EndLabel:   graph.LabelFloor,
		EndUID:     FloorUID,
	})
	p.stats.Nodes += 2
	p.stats.Relationships++
	return out
}

// Project maps one chunk of canonical entities. Entities outside the
// projection table are counted and dropped, never fatal.
func (p *Projector) Project(chunk []entity.Entity) graph.Payload {
	var out graph.Payload
	for _, ent := range chunk {
		switch ent.Kind {
		case entity.KindScaleInfo:
			p.projectMetadata(ent, &out)
		case entity.KindLWPolyline:
			p.projectPolyline(ent, &out)
		case entity.KindLine:
			p.projectWall(ent, &out)
		case entity.KindCircle, entity.KindArc:
			p.projectFeature(ent, &out)
		case entity.KindText, entity.KindMText, entity.KindAttrib, entity.KindAttdef, entity.KindMultileader:
			p.projectAnnotation(ent, &out)
		case entity.KindInsert:
			p.projectBlockReference(ent, &out)
		default:
			p.stats.Discarded++
		}
	}
	p.stats.Nodes += len(out.Nodes)
	p.stats.Relationships += len(out.Relationships)
	logging.ProjectDebug("chunk of %d entities -> %d nodes, %d relationships", len(chunk), len(out.Nodes), len(out.Relationships))
	return out
}

func (p *Projector) projectMetadata(ent entity.Entity, out *graph.Payload) {
	p.counters.metadata++
	uid := fmt.Sprintf("metadata_%d", p.counters.metadata)
	props := map[string]interface{}{
		"type":      string(entity.KindScaleInfo),
		"dimscale":  scaleAttr(ent, "dimscale"),
		"ltscale":   scaleAttr(ent, "ltscale"),
		"cmlscale":  scaleAttr(ent, "cmlscale"),
		"celtscale": scaleAttr(ent, "celtscale"),
	}
	passThrough(ent, props, isScaleKey)
	out.Nodes = append(out.Nodes, graph.Node{Label: graph.LabelMetadata, UID: uid, Props: props})
	out.Relationships = append(out.Relationships, graph.Relationship{
		StartLabel: graph.LabelBuilding,
		StartUID:   BuildingUID,
		Type:       graph.RelHasMetadata,
		EndLabel:   graph.LabelMetadata,
		EndUID:     uid,
	})
}

func (p *Projector) projectPolyline(ent entity.Entity, out *graph.Payload) {
	if !isClosed(ent) {
		p.stats.OpenPolylines++
		p.stats.Discarded++
		return
	}
	points := polylinePoints(ent)
	if len(points) < 3 {
		p.stats.Discarded++
		logging.ProjectDebug("closed polyline with %d points discarded (layer %s)", len(points), ent.Layer)
		return
	}

	p.counters.space++
	uid := fmt.Sprintf("space_%d", p.counters.space)
	props := map[string]interface{}{
		"raw_points":  encodePoints(points),
		"point_count": int64(len(points)),
		"layer":       ent.Layer,
	}
	passThrough(ent, props, consumedSet("points", "pts", "vertices", "is_closed", "flags", "flag"))
	out.Nodes = append(out.Nodes, graph.Node{Label: graph.LabelSpace, UID: uid, Props: props})
	out.Relationships = append(out.Relationships, floorEdge(graph.RelHasSpace, graph.LabelSpace, uid))
}

func (p *Projector) projectWall(ent entity.Entity, out *graph.Payload) {
	p.counters.wall++
	uid := fmt.Sprintf("wall_%d", p.counters.wall)
	props := map[string]interface{}{"layer": ent.Layer}
	flattenCoordinate(props, "start", attrCoordinate(ent, "start", "start_pt"))
	flattenCoordinate(props, "end", attrCoordinate(ent, "end", "end_pt"))
	passThrough(ent, props, consumedSet("start", "start_pt", "end", "end_pt"))
	out.Nodes = append(out.Nodes, graph.Node{Label: graph.LabelWallSegment, UID: uid, Props: props})
	out.Relationships = append(out.Relationships, floorEdge(graph.RelHasWall, graph.LabelWallSegment, uid))
}

func (p *Projector) projectFeature(ent entity.Entity, out *graph.Payload) {
	p.counters.feature++
	uid := fmt.Sprintf("feature_%d", p.counters.feature)
	props := map[string]interface{}{
		"type":   string(ent.Kind),
		"radius": attrNumber(ent, int64(0), "radius"),
		"layer":  ent.Layer,
	}
	flattenCoordinate(props, "center", attrCoordinate(ent, "center", "center_pt"))
	if ent.Kind == entity.KindArc {
		props["start_angle"] = attrNumber(ent, int64(0), "start_angle")
		props["end_angle"] = attrNumber(ent, int64(0), "end_angle")
	}
	passThrough(ent, props, consumedSet("center", "center_pt", "radius", "start_angle", "end_angle"))
	out.Nodes = append(out.Nodes, graph.Node{Label: graph.LabelFeature, UID: uid, Props: props})
	out.Relationships = append(out.Relationships, floorEdge(graph.RelHasFeature, graph.LabelFeature, uid))
}

func (p *Projector) projectAnnotation(ent entity.Entity, out *graph.Payload) {
	text := strings.TrimSpace(attrString(ent, "text", "text_value"))
	if text == "" {
		p.stats.Discarded++
		return
	}

	p.counters.annotation++
	uid := fmt.Sprintf("annotation_%d", p.counters.annotation)
	props := map[string]interface{}{
		"text":   text,
		"type":   string(ent.Kind),
		"height": attrNumber(ent, int64(1), "height"),
		"layer":  ent.Layer,
	}
	flattenCoordinate(props, "insert", attrCoordinate(ent, "insert", "ins_pt", "insertion_pt"))

	switch ent.Kind {
	case entity.KindAttrib:
		props["tag"] = attrString(ent, "tag")
		props["parent_block"] = attrString(ent, "parent_block")
	case entity.KindAttdef:
		props["tag"] = attrString(ent, "tag")
		props["prompt"] = attrString(ent, "prompt")
	default:
		if parent := attrString(ent, "parent_block"); parent != "" {
			props["parent_block"] = parent
		}
	}

	passThrough(ent, props, consumedSet("text", "text_value", "insert", "ins_pt", "insertion_pt", "height", "tag", "prompt", "parent_block"))
	out.Nodes = append(out.Nodes, graph.Node{Label: graph.LabelAnnotation, UID: uid, Props: props})
	out.Relationships = append(out.Relationships, floorEdge(graph.RelHasAnnotation, graph.LabelAnnotation, uid))
}

// projectBlockReference shares the feature counter, matching the uid scheme
// the rest of the pipeline depends on.
func (p *Projector) projectBlockReference(ent entity.Entity, out *graph.Payload) {
	p.counters.feature++
	uid := fmt.Sprintf("feature_%d", p.counters.feature)
	props := map[string]interface{}{
		"block_name": attrString(ent, "block_name", "name"),
		"rotation":   attrNumber(ent, int64(0), "rotation"),
		"layer":      ent.Layer,
	}
	flattenCoordinate(props, "insert", attrCoordinate(ent, "insert", "ins_pt"))

	// dwgread emits scale as one vector; DXF extraction as three scalars.
	if scale, ok := ent.Attrs["scale"].(entity.Coordinate); ok {
		props["xscale"] = scale.X
		props["yscale"] = scale.Y
		props["zscale"] = scale.Z
	} else {
		props["xscale"] = attrNumber(ent, int64(1), "xscale")
		props["yscale"] = attrNumber(ent, int64(1), "yscale")
		props["zscale"] = attrNumber(ent, int64(1), "zscale")
	}

	passThrough(ent, props, consumedSet("block_name", "name", "insert", "ins_pt", "rotation", "xscale", "yscale", "zscale", "scale"))
	out.Nodes = append(out.Nodes, graph.Node{Label: graph.LabelBlockReference, UID: uid, Props: props})
	out.Relationships = append(out.Relationships, floorEdge(graph.RelHasBlockReference, graph.LabelBlockReference, uid))
}

func floorEdge(rel graph.RelType, label graph.Label, uid string) graph.Relationship {
	return graph.Relationship{
		StartLabel: graph.LabelFloor,
		StartUID:   FloorUID,
		Type:       rel,
		EndLabel:   label,
		EndUID:     uid,
	}
}

// isClosed checks the dedicated boolean first, then bit 0 of the flags
// field under either spelling.
func isClosed(ent entity.Entity) bool {
	if v, ok := ent.Attrs["is_closed"]; ok {
		switch tv := v.(type) {
		case bool:
			return tv
		case int64:
			return tv != 0
		}
	}
	for _, key := range []string{"flags", "flag"} {
		if v, ok := ent.Attrs[key].(int64); ok {
			return v&1 == 1
		}
	}
	return false
}

func polylinePoints(ent entity.Entity) []entity.Coordinate {
	for _, key := range []string{"points", "pts", "vertices"} {
		if pts, ok := ent.Attrs[key].([]entity.Coordinate); ok {
			return pts
		}
	}
	return nil
}

// pointPair is the {x,y} shape raw_points serializes to.
type pointPair struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func encodePoints(points []entity.Coordinate) string {
	pairs := make([]pointPair, len(points))
	for i, pt := range points {
		pairs[i] = pointPair{X: pt.X, Y: pt.Y}
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func attrCoordinate(ent entity.Entity, keys ...string) entity.Coordinate {
	for _, key := range keys {
		if c, ok := ent.Attrs[key].(entity.Coordinate); ok {
			return c
		}
	}
	return entity.Coordinate{}
}

func attrString(ent entity.Entity, keys ...string) string {
	for _, key := range keys {
		if s, ok := ent.Attrs[key].(string); ok {
			return s
		}
	}
	return ""
}

func attrNumber(ent entity.Entity, def interface{}, keys ...string) interface{} {
	for _, key := range keys {
		switch v := ent.Attrs[key].(type) {
		case int64:
			return v
		case float64:
			return v
		}
	}
	return def
}

func flattenCoordinate(props map[string]interface{}, prefix string, c entity.Coordinate) {
	props[prefix+"_x"] = c.X
	props[prefix+"_y"] = c.Y
	props[prefix+"_z"] = c.Z
}

// scaleAttr reads a scale variable off a SCALE_INFO entity, tolerating both
// the flat synthetic form and a flattened nested scales record.
func scaleAttr(ent entity.Entity, name string) interface{} {
	for key, v := range ent.Attrs {
		if strings.EqualFold(key, name) || strings.EqualFold(key, "scales_"+name) {
			switch v.(type) {
			case int64, float64:
				return v
			}
		}
	}
	return int64(1)
}

var scaleNames = []string{"dimscale", "ltscale", "cmlscale", "celtscale"}

func isScaleKey(key string) bool {
	for _, name := range scaleNames {
		if strings.EqualFold(key, name) || strings.EqualFold(key, "scales_"+name) {
			return true
		}
	}
	return false
}

func consumedSet(keys ...string) func(string) bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return func(key string) bool { return set[key] }
}

// passThrough copies attributes the projection table did not consume onto
// the node, so parser detail like color_index survives into the graph.
// Coordinates flatten to _x/_y/_z; existing properties are never overwritten.
func passThrough(ent entity.Entity, props map[string]interface{}, consumed func(string) bool) {
	for key, v := range ent.Attrs {
		if consumed(key) {
			continue
		}
		if c, ok := v.(entity.Coordinate); ok {
			if _, exists := props[key+"_x"]; !exists {
				flattenCoordinate(props, key, c)
			}
			continue
		}
		if _, exists := props[key]; exists {
			continue
		}
		props[key] = v
	}
}
