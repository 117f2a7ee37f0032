// Package enrich runs the post-ingest pipeline: partition the drawing into
// regions, render each region to an image, OCR it, cross-validate the words
// against the CAD text, and fold the findings back into the graph.
package enrich

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"cadgraph/internal/entity"
	"cadgraph/internal/logging"
)

// Region type names. They drive the OCR context and the region uid prefix.
const (
	RegionTitleBlock = "title_block"
	RegionRoomLabel  = "room_label"
	RegionDimension  = "dimension"
	RegionGeneral    = "general"
)

// Rect is an axis-aligned box in drawing coordinates.
type Rect struct {
	MinX, MinY float64
	MaxX, MaxY float64
}

func (r Rect) Width() float64  { return r.MaxX - r.MinX }
func (r Rect) Height() float64 { return r.MaxY - r.MinY }

// Expand grows the box by pad on every side.
func (r Rect) Expand(pad float64) Rect {
	return Rect{MinX: r.MinX - pad, MinY: r.MinY - pad, MaxX: r.MaxX + pad, MaxY: r.MaxY + pad}
}

// Contains reports whether a point falls inside the box.
func (r Rect) Contains(x, y float64) bool {
	return x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Region is one bounded rectangle submitted to rendering and OCR.
type Region struct {
	ID     string
	Type   string
	Bounds Rect

	// CADText holds the annotation strings inside the region, used for
	// cross-validation after OCR.
	CADText []string
}

// CADContext primes the OCR engine with what a region should contain.
type CADContext struct {
	RegionType       string
	ExpectedPatterns []string
	NearbyText       []string
}

// ContextFor builds the OCR context for a region. The expected patterns
// follow the region type: codes/scales/dates for title blocks, numerics for
// dimensions.
func ContextFor(region Region) CADContext {
	var patterns []string
	switch region.Type {
	case RegionTitleBlock:
		patterns = []string{
			`[A-Z]{2,}\d+-[A-Z]{2,}`,
			`ESC:?\s*1:\d+`,
			`\d{2}/\d{2}/\d{4}`,
			`REV:?\s*\w+`,
		}
	case RegionDimension:
		patterns = []string{
			`\d+\.?\d*`,
			`R\d+\.?\d*`,
			`Ø\d+\.?\d*`,
		}
	}
	return CADContext{
		RegionType:       region.Type,
		ExpectedPatterns: patterns,
		NearbyText:       region.CADText,
	}
}

var dimensionText = regexp.MustCompile(`^(R|Ø)?\d+([.,]\d+)?\s*(mm|cm|m)?$`)

// regionPad widens each annotation's box so the rendered crop carries
// enough surrounding geometry for the OCR engine to orient itself.
const regionPad = 5.0

// ExtractRegions partitions a drawing's annotations into typed OCR regions.
// The drawing bounds come from all geometry; annotations in the bottom-right
// band classify as title block, numeric text as dimension, the rest as room
// labels. Region ids are `<type>_NNN` in discovery order per type.
func ExtractRegions(entities []entity.Entity) []Region {
	bounds, ok := drawingBounds(entities)
	if !ok {
		return nil
	}

	counts := map[string]int{}
	var regions []Region
	for _, ent := range entities {
		switch ent.Kind {
		case entity.KindText, entity.KindMText, entity.KindAttrib, entity.KindAttdef, entity.KindMultileader:
		default:
			continue
		}
		text := annotationText(ent)
		if text == "" {
			continue
		}
		pos, ok := annotationPosition(ent)
		if !ok {
			continue
		}

		regionType := classify(text, pos, bounds)
		counts[regionType]++
		region := Region{
			ID:      fmt.Sprintf("%s_%03d", regionType, counts[regionType]),
			Type:    regionType,
			Bounds:  Rect{MinX: pos.X, MinY: pos.Y, MaxX: pos.X, MaxY: pos.Y}.Expand(regionPad + annotationHeight(ent)),
			CADText: []string{text},
		}
		regions = append(regions, region)
	}

	logging.EnrichDebug("extracted %d regions from %d entities", len(regions), len(entities))
	return mergeOverlapping(regions)
}

// classify picks the region type for one annotation. Title-block detection
// uses the bottom-right 25% band of the drawing, where title blocks sit in
// practice.
func classify(text string, pos entity.Coordinate, bounds Rect) string {
	clean := strings.TrimSpace(strings.ReplaceAll(text, " ", ""))
	if dimensionText.MatchString(clean) {
		return RegionDimension
	}
	if bounds.Width() > 0 && bounds.Height() > 0 {
		inRightBand := pos.X > bounds.MinX+0.75*bounds.Width()
		inBottomBand := pos.Y < bounds.MinY+0.25*bounds.Height()
		if inRightBand && inBottomBand {
			return RegionTitleBlock
		}
	}
	if len([]rune(text)) <= 40 {
		return RegionRoomLabel
	}
	return RegionGeneral
}

// mergeOverlapping collapses same-type regions whose boxes intersect, so a
// cluster of labels renders once. Ids are reassigned after merging to keep
// the `<type>_NNN` sequence dense.
func mergeOverlapping(regions []Region) []Region {
	var merged []Region
	for _, r := range regions {
		combined := false
		for i := range merged {
			if merged[i].Type == r.Type && intersects(merged[i].Bounds, r.Bounds) {
				merged[i].Bounds = union(merged[i].Bounds, r.Bounds)
				merged[i].CADText = append(merged[i].CADText, r.CADText...)
				combined = true
				break
			}
		}
		if !combined {
			merged = append(merged, r)
		}
	}
	counts := map[string]int{}
	for i := range merged {
		counts[merged[i].Type]++
		merged[i].ID = fmt.Sprintf("%s_%03d", merged[i].Type, counts[merged[i].Type])
	}
	return merged
}

func intersects(a, b Rect) bool {
	return a.MinX <= b.MaxX && b.MinX <= a.MaxX && a.MinY <= b.MaxY && b.MinY <= a.MaxY
}

func union(a, b Rect) Rect {
	return Rect{
		MinX: math.Min(a.MinX, b.MinX),
		MinY: math.Min(a.MinY, b.MinY),
		MaxX: math.Max(a.MaxX, b.MaxX),
		MaxY: math.Max(a.MaxY, b.MaxY),
	}
}

// drawingBounds spans all coordinates in the entity set.
func drawingBounds(entities []entity.Entity) (Rect, bool) {
	bounds := Rect{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	found := false
	grow := func(c entity.Coordinate) {
		found = true
		bounds.MinX = math.Min(bounds.MinX, c.X)
		bounds.MinY = math.Min(bounds.MinY, c.Y)
		bounds.MaxX = math.Max(bounds.MaxX, c.X)
		bounds.MaxY = math.Max(bounds.MaxY, c.Y)
	}
	for _, ent := range entities {
		for _, v := range ent.Attrs {
			switch tv := v.(type) {
			case entity.Coordinate:
				grow(tv)
			case []entity.Coordinate:
				for _, c := range tv {
					grow(c)
				}
			}
		}
	}
	return bounds, found
}

func annotationText(ent entity.Entity) string {
	for _, key := range []string{"text", "text_value"} {
		if s, ok := ent.Attrs[key].(string); ok {
			if t := strings.TrimSpace(s); t != "" {
				return t
			}
		}
	}
	return ""
}

func annotationPosition(ent entity.Entity) (entity.Coordinate, bool) {
	for _, key := range []string{"insert", "ins_pt", "insertion_pt"} {
		if c, ok := ent.Attrs[key].(entity.Coordinate); ok {
			return c, true
		}
	}
	return entity.Coordinate{}, false
}

func annotationHeight(ent entity.Entity) float64 {
	switch v := ent.Attrs["height"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 1.0
}
