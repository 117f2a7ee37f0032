// Package graph owns the node/relationship payload model, the store
// abstraction over the graph database, and the batched writer that moves
// projector output into it.
package graph

// Label identifies a node class in the property graph.
type Label string

const (
	LabelBuilding       Label = "Building"
	LabelFloor          Label = "Floor"
	LabelSpace          Label = "Space"
	LabelWallSegment    Label = "WallSegment"
	LabelFeature        Label = "Feature"
	LabelBlockReference Label = "BlockReference"
	LabelAnnotation     Label = "Annotation"
	LabelMetadata       Label = "Metadata"
	LabelOCRRegion      Label = "OCRRegion"
	LabelOCRText        Label = "OCRText"
)

// RelType identifies a relationship class.
type RelType string

const (
	RelHasFloor          RelType = "HAS_FLOOR"
	RelHasSpace          RelType = "HAS_SPACE"
	RelHasWall           RelType = "HAS_WALL"
	RelHasFeature        RelType = "HAS_FEATURE"
	RelHasAnnotation     RelType = "HAS_ANNOTATION"
	RelHasBlockReference RelType = "HAS_BLOCK_REFERENCE"
	RelHasMetadata       RelType = "HAS_METADATA"
	RelHasOCRRegion      RelType = "HAS_OCR_REGION"
	RelContainsText      RelType = "CONTAINS_TEXT"
	RelValidates         RelType = "VALIDATES"
	RelDiscovers         RelType = "DISCOVERS"
)

// Node is one property-graph node keyed by its uid within an ingest.
type Node struct {
	Label Label
	UID   string
	Props map[string]interface{}
}

// Relationship connects two nodes by uid. Props may be nil.
type Relationship struct {
	StartLabel Label
	StartUID   string
	Type       RelType
	EndLabel   Label
	EndUID     string
	Props      map[string]interface{}
}

// Payload is one projector emission, consumed by the batcher.
type Payload struct {
	Nodes         []Node
	Relationships []Relationship
}

// Empty reports whether the payload carries nothing to write.
func (p Payload) Empty() bool {
	return len(p.Nodes) == 0 && len(p.Relationships) == 0
}

// Append merges another payload into this one, preserving order.
func (p *Payload) Append(other Payload) {
	p.Nodes = append(p.Nodes, other.Nodes...)
	p.Relationships = append(p.Relationships, other.Relationships...)
}
