package game

import (
	"math"
	"testing"
)

func TestZoomAnchorPreserved(t *testing.T) {
	cursor := Vec2{X: 311, Y: 187}
	v := NewViewport()
	v.Pan = Vec2{X: 42, Y: -17}

	// Walk the zoom across the whole clamp range, in then out, checking
	// that the map point under the cursor never moves.
	anchor := v.ToMap(cursor)
	step := func(in bool) {
		v.ZoomAt(cursor, in)
		got := v.ToMap(cursor)
		if math.Abs(got.X-anchor.X) > 1e-9 || math.Abs(got.Y-anchor.Y) > 1e-9 {
			t.Fatalf("anchor drifted at zoom %v: %+v vs %+v", v.Zoom, got, anchor)
		}
	}
	for v.Zoom < maxZoom {
		step(true)
	}
	for v.Zoom > minZoom {
		step(false)
	}
}

func TestZoomClamped(t *testing.T) {
	v := NewViewport()
	for i := 0; i < 100; i++ {
		v.ZoomAt(Vec2{}, true)
	}
	if v.Zoom != maxZoom {
		t.Fatalf("expected clamp at %v, got %v", maxZoom, v.Zoom)
	}
	for i := 0; i < 500; i++ {
		v.ZoomAt(Vec2{}, false)
	}
	if v.Zoom != minZoom {
		t.Fatalf("expected clamp at %v, got %v", minZoom, v.Zoom)
	}
}

func TestZoomAtClampDoesNotMovePan(t *testing.T) {
	v := NewViewport()
	v.Zoom = maxZoom
	v.Pan = Vec2{X: 10, Y: 20}
	v.ZoomAt(Vec2{X: 100, Y: 100}, true)
	if v.Pan.X != 10 || v.Pan.Y != 20 {
		t.Fatalf("pan moved on a no-op zoom: %+v", v.Pan)
	}
}

func TestDragAndReset(t *testing.T) {
	v := NewViewport()
	v.Drag(Vec2{X: 30, Y: -12})
	v.Drag(Vec2{X: 5, Y: 2})
	if v.Pan.X != 35 || v.Pan.Y != -10 {
		t.Fatalf("unexpected pan: %+v", v.Pan)
	}
	v.ZoomAt(Vec2{}, true)
	v.Reset()
	if v.Zoom != 1 || v.Pan != (Vec2{}) {
		t.Fatalf("reset incomplete: %+v", v)
	}
}

func TestFitScale(t *testing.T) {
	tests := []struct {
		name                 string
		cw, ch, iw, ih, want float64
	}{
		{"wide image binds on width", 1000, 1000, 2000, 1000, 0.5},
		{"tall image binds on height", 1000, 1000, 1000, 2000, 0.5},
		{"exact fit", 800, 600, 800, 600, 1},
		{"upscale allowed", 1600, 1200, 800, 600, 2},
		{"degenerate image", 800, 600, 0, 600, 1},
	}
	for _, tt := range tests {
		if got := FitScale(tt.cw, tt.ch, tt.iw, tt.ih); got != tt.want {
			t.Fatalf("%s: FitScale = %v, want %v", tt.name, got, tt.want)
		}
	}
}
