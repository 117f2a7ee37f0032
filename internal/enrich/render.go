package enrich

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"cadgraph/internal/entity"
	"cadgraph/internal/logging"
)

// Rendered is the output of one region render.
type Rendered struct {
	Image        image.Image
	ActualBounds Rect
	ScaleFactor  float64 // pixels per drawing unit
	Metadata     map[string]interface{}
}

// Renderer turns a region of the drawing into an image the OCR engine can
// read. Implementations are synchronous.
type Renderer interface {
	Render(region Region, entities []entity.Entity) (Rendered, error)
}

// RasterRenderer draws the drawing's line work onto an RGBA canvas. It
// covers the geometry kinds the projector knows; smarter renderers can
// replace it behind the Renderer interface.
type RasterRenderer struct {
	// MaxSize bounds the longer image edge in pixels.
	MaxSize int
}

// NewRasterRenderer returns a renderer with the given pixel budget.
func NewRasterRenderer(maxSize int) *RasterRenderer {
	if maxSize < 64 {
		maxSize = 64
	}
	return &RasterRenderer{MaxSize: maxSize}
}

var (
	inkColor   = color.RGBA{A: 255}
	paperColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// Render rasterizes every geometric entity intersecting the region. Black
// ink on white paper; the scale factor maps drawing units to pixels.
func (r *RasterRenderer) Render(region Region, entities []entity.Entity) (Rendered, error) {
	bounds := region.Bounds
	if bounds.Width() <= 0 || bounds.Height() <= 0 {
		return Rendered{}, fmt.Errorf("region %s has degenerate bounds", region.ID)
	}

	scale := float64(r.MaxSize) / math.Max(bounds.Width(), bounds.Height())
	width := int(math.Ceil(bounds.Width() * scale))
	height := int(math.Ceil(bounds.Height() * scale))
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, paperColor)
		}
	}

	canvas := &canvas{img: img, bounds: bounds, scale: scale, height: height}
	drawn := 0
	for _, ent := range entities {
		if canvas.draw(ent) {
			drawn++
		}
	}

	logging.EnrichDebug("rendered region %s: %dx%d px, %d entities, scale %.2f", region.ID, width, height, drawn, scale)
	return Rendered{
		Image:        img,
		ActualBounds: bounds,
		ScaleFactor:  scale,
		Metadata: map[string]interface{}{
			"width":          width,
			"height":         height,
			"entities_drawn": drawn,
		},
	}, nil
}

// canvas maps drawing coordinates onto the image. Drawing Y grows upward,
// image Y grows downward.
type canvas struct {
	img    *image.RGBA
	bounds Rect
	scale  float64
	height int
}

func (c *canvas) toPixel(x, y float64) (int, int) {
	px := int((x - c.bounds.MinX) * c.scale)
	py := c.height - 1 - int((y-c.bounds.MinY)*c.scale)
	return px, py
}

func (c *canvas) draw(ent entity.Entity) bool {
	switch ent.Kind {
	case entity.KindLine:
		start, ok1 := coordAttr(ent, "start", "start_pt")
		end, ok2 := coordAttr(ent, "end", "end_pt")
		if !ok1 || !ok2 {
			return false
		}
		c.line(start.X, start.Y, end.X, end.Y)
		return true
	case entity.KindLWPolyline:
		pts := polyPoints(ent)
		if len(pts) < 2 {
			return false
		}
		for i := 1; i < len(pts); i++ {
			c.line(pts[i-1].X, pts[i-1].Y, pts[i].X, pts[i].Y)
		}
		if closed, ok := ent.Attrs["is_closed"].(bool); ok && closed {
			c.line(pts[len(pts)-1].X, pts[len(pts)-1].Y, pts[0].X, pts[0].Y)
		}
		return true
	case entity.KindCircle:
		center, ok := coordAttr(ent, "center", "center_pt")
		radius, rok := numAttr(ent, "radius")
		if !ok || !rok || radius <= 0 {
			return false
		}
		c.arc(center, radius, 0, 360)
		return true
	case entity.KindArc:
		center, ok := coordAttr(ent, "center", "center_pt")
		radius, rok := numAttr(ent, "radius")
		if !ok || !rok || radius <= 0 {
			return false
		}
		start, _ := numAttr(ent, "start_angle")
		end, eok := numAttr(ent, "end_angle")
		if !eok {
			end = start + 360
		}
		c.arc(center, radius, start, end)
		return true
	default:
		return false
	}
}

// line draws with integer Bresenham stepping; precision past one pixel does
// not matter for OCR input.
func (c *canvas) line(x0, y0, x1, y1 float64) {
	px0, py0 := c.toPixel(x0, y0)
	px1, py1 := c.toPixel(x1, y1)

	dx := abs(px1 - px0)
	dy := -abs(py1 - py0)
	sx, sy := 1, 1
	if px0 > px1 {
		sx = -1
	}
	if py0 > py1 {
		sy = -1
	}
	err := dx + dy
	for {
		c.set(px0, py0)
		if px0 == px1 && py0 == py1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			px0 += sx
		}
		if e2 <= dx {
			err += dx
			py0 += sy
		}
	}
}

func (c *canvas) arc(center entity.Coordinate, radius, startDeg, endDeg float64) {
	for endDeg < startDeg {
		endDeg += 360
	}
	// Step fine enough that adjacent samples land on neighboring pixels.
	steps := int(math.Max(16, radius*c.scale))
	prevX := center.X + radius*math.Cos(startDeg*math.Pi/180)
	prevY := center.Y + radius*math.Sin(startDeg*math.Pi/180)
	for i := 1; i <= steps; i++ {
		a := (startDeg + (endDeg-startDeg)*float64(i)/float64(steps)) * math.Pi / 180
		x := center.X + radius*math.Cos(a)
		y := center.Y + radius*math.Sin(a)
		c.line(prevX, prevY, x, y)
		prevX, prevY = x, y
	}
}

func (c *canvas) set(x, y int) {
	if x < 0 || y < 0 || x >= c.img.Bounds().Dx() || y >= c.img.Bounds().Dy() {
		return
	}
	c.img.SetRGBA(x, y, inkColor)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func coordAttr(ent entity.Entity, keys ...string) (entity.Coordinate, bool) {
	for _, key := range keys {
		if c, ok := ent.Attrs[key].(entity.Coordinate); ok {
			return c, true
		}
	}
	return entity.Coordinate{}, false
}

func numAttr(ent entity.Entity, key string) (float64, bool) {
	switch v := ent.Attrs[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func polyPoints(ent entity.Entity) []entity.Coordinate {
	for _, key := range []string{"points", "pts", "vertices"} {
		if pts, ok := ent.Attrs[key].([]entity.Coordinate); ok {
			return pts
		}
	}
	return nil
}
