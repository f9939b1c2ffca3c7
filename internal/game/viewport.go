package game

// Viewport is the per-viewer pan/zoom transform over the map image. It is
// client-local and never written to the shared store: two viewers looking
// at the same map each hold their own.

const (
	minZoom    = 0.25
	maxZoom    = 8.0
	zoomFactor = 1.1
)

type Vec2 struct {
	X float64
	Y float64
}

type Viewport struct {
	Zoom float64
	Pan  Vec2
}

// NewViewport returns the identity transform.
func NewViewport() Viewport {
	return Viewport{Zoom: 1}
}

// Reset returns to the identity transform; called whenever the active map
// changes.
func (v *Viewport) Reset() {
	*v = NewViewport()
}

// ZoomAt applies one wheel step at the given screen-space cursor
// position, keeping the map point under the cursor fixed.
func (v *Viewport) ZoomAt(cursor Vec2, in bool) {
	next := v.Zoom * zoomFactor
	if !in {
		next = v.Zoom / zoomFactor
	}
	next = clamp(next, minZoom, maxZoom)
	if next == v.Zoom {
		return
	}
	ratio := next / v.Zoom
	v.Pan.X = cursor.X - (cursor.X-v.Pan.X)*ratio
	v.Pan.Y = cursor.Y - (cursor.Y-v.Pan.Y)*ratio
	v.Zoom = next
}

// Drag translates the pan by a pointer-drag delta in screen pixels.
func (v *Viewport) Drag(delta Vec2) {
	v.Pan.X += delta.X
	v.Pan.Y += delta.Y
}

// ToMap converts a screen-space point into untransformed map space under
// the current zoom and pan.
func (v Viewport) ToMap(p Vec2) Vec2 {
	return Vec2{
		X: (p.X - v.Pan.X) / v.Zoom,
		Y: (p.Y - v.Pan.Y) / v.Zoom,
	}
}

// FitScale returns the scale that fits an image into a container while
// preserving aspect ratio: the binding dimension is whichever one the
// image is proportionally larger in.
func FitScale(containerWidth, containerHeight, imageWidth, imageHeight float64) float64 {
	if imageWidth <= 0 || imageHeight <= 0 || containerWidth <= 0 || containerHeight <= 0 {
		return 1
	}
	imageAspect := imageWidth / imageHeight
	containerAspect := containerWidth / containerHeight
	if imageAspect > containerAspect {
		return containerWidth / imageWidth
	}
	return containerHeight / imageHeight
}
