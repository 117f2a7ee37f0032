package enrich

import (
	"image"
	"testing"

	"cadgraph/internal/entity"
)

func inkCount(img image.Image) int {
	count := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			if r == 0 && g == 0 && bl == 0 {
				count++
			}
		}
	}
	return count
}

func TestRasterRendererDrawsLine(t *testing.T) {
	r := NewRasterRenderer(100)
	region := Region{ID: "room_label_001", Type: RegionRoomLabel, Bounds: Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}}
	entities := []entity.Entity{
		{Kind: entity.KindLine, Attrs: map[string]interface{}{
			"start": entity.Coordinate{X: 0, Y: 0},
			"end":   entity.Coordinate{X: 10, Y: 10},
		}},
	}

	rendered, err := r.Render(region, entities)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rendered.ScaleFactor != 10 {
		t.Errorf("scale factor = %v, want 10", rendered.ScaleFactor)
	}
	if got := inkCount(rendered.Image); got < 90 {
		t.Errorf("diagonal across a 100px canvas drew %d ink pixels, want >= 90", got)
	}
	if rendered.Metadata["entities_drawn"] != 1 {
		t.Errorf("entities_drawn = %v, want 1", rendered.Metadata["entities_drawn"])
	}
}

func TestRasterRendererDrawsCircleAndPolyline(t *testing.T) {
	r := NewRasterRenderer(200)
	region := Region{ID: "general_001", Type: RegionGeneral, Bounds: Rect{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}}
	entities := []entity.Entity{
		{Kind: entity.KindCircle, Attrs: map[string]interface{}{
			"center": entity.Coordinate{},
			"radius": 5.0,
		}},
		{Kind: entity.KindLWPolyline, Attrs: map[string]interface{}{
			"points":    []entity.Coordinate{{X: -8, Y: -8}, {X: 8, Y: -8}, {X: 8, Y: 8}},
			"is_closed": true,
		}},
	}

	rendered, err := r.Render(region, entities)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rendered.Metadata["entities_drawn"] != 2 {
		t.Errorf("entities_drawn = %v, want 2", rendered.Metadata["entities_drawn"])
	}
	if inkCount(rendered.Image) == 0 {
		t.Error("no ink on canvas")
	}
}

func TestRasterRendererSkipsUndrawable(t *testing.T) {
	r := NewRasterRenderer(100)
	region := Region{ID: "general_001", Type: RegionGeneral, Bounds: Rect{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}}
	entities := []entity.Entity{
		{Kind: entity.KindText, Attrs: map[string]interface{}{"text": "SALA"}},
		{Kind: entity.KindLine, Attrs: map[string]interface{}{}}, // missing endpoints
	}

	rendered, err := r.Render(region, entities)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if rendered.Metadata["entities_drawn"] != 0 {
		t.Errorf("entities_drawn = %v, want 0", rendered.Metadata["entities_drawn"])
	}
}

func TestRasterRendererDegenerateBounds(t *testing.T) {
	r := NewRasterRenderer(100)
	_, err := r.Render(Region{ID: "dimension_001", Bounds: Rect{MinX: 5, MinY: 5, MaxX: 5, MaxY: 10}}, nil)
	if err == nil {
		t.Fatal("expected error for zero-width bounds")
	}
}
