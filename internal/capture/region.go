package capture

import (
	"fmt"
	"image"

	"github.com/bryanchriswhite/shmgrab/internal/fault"
)

// SubGeometry narrows base to rect, given relative to base's captured area.
// rect must be non-empty and lie entirely inside base.
func SubGeometry(base Geometry, rect image.Rectangle) (Geometry, error) {
	bounds := image.Rect(0, 0, base.Width, base.Height)
	if rect.Empty() || !rect.In(bounds) {
		return Geometry{}, fault.New(fault.StageResolve, fault.Code{},
			fmt.Errorf("%w: %v not within %v", fault.ErrOutOfBounds, rect, bounds))
	}

	g := base
	g.OriginX += rect.Min.X
	g.OriginY += rect.Min.Y
	g.Width = rect.Dx()
	g.Height = rect.Dy()
	g.Screen = base.Screen.Add(rect.Min)
	return g, nil
}

// ClipTo narrows g to the part inside screen, given in screen coordinates.
// ok is false when none of g is visible.
func ClipTo(g Geometry, screen image.Rectangle) (Geometry, bool) {
	full := image.Rectangle{Min: g.Screen, Max: g.Screen.Add(image.Pt(g.Width, g.Height))}
	visible := full.Intersect(screen)
	if visible.Empty() {
		return Geometry{}, false
	}

	r := visible.Sub(g.Screen)
	out := g
	out.OriginX += r.Min.X
	out.OriginY += r.Min.Y
	out.Width = r.Dx()
	out.Height = r.Dy()
	out.Screen = visible.Min
	return out, true
}
