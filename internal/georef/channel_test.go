package georef

import (
	"math"
	"testing"
)

func TestPolygonContains(t *testing.T) {
	square := Polygon{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

	tests := []struct {
		pt   Pixel
		want bool
	}{
		{Pixel{5, 5}, true},
		{Pixel{15, 5}, false},
		{Pixel{-1, -1}, false},
		{Pixel{9.9, 0.1}, true},
	}
	for _, tt := range tests {
		if got := square.Contains(tt.pt); got != tt.want {
			t.Errorf("Contains(%v) = %v, want %v", tt.pt, got, tt.want)
		}
	}

	if (Polygon{{0, 0}, {1, 1}}).Contains(Pixel{0.5, 0.5}) {
		t.Error("degenerate polygon should contain nothing")
	}
}

func TestChannelClassifier(t *testing.T) {
	c := NewChannelClassifier(map[string]Polygon{
		"interior_channel": {{0, 0}, {100, 0}, {100, 100}, {0, 100}},
		"exterior_channel": {{100, 0}, {200, 0}, {200, 100}, {100, 100}},
		"broken":           {{0, 0}},
	})

	if got := c.Classify(50, 50); got != "interior_channel" {
		t.Errorf("Classify(50,50) = %q", got)
	}
	if got := c.Classify(150, 50); got != "exterior_channel" {
		t.Errorf("Classify(150,50) = %q", got)
	}
	if got := c.Classify(500, 500); got != "" {
		t.Errorf("Classify outside = %q, want empty", got)
	}
	if len(c.Regions()) != 2 {
		t.Errorf("expected degenerate region to be dropped, got %d regions", len(c.Regions()))
	}

	var nilClassifier *ChannelClassifier
	if got := nilClassifier.Classify(1, 1); got != "" {
		t.Errorf("nil classifier returned %q", got)
	}
}

func TestDimensionEstimator(t *testing.T) {
	est, err := NewDimensionEstimator(Zone{X1: 0, Y1: 0, X2: 1000, Y2: 1000},
		Pixel{0, 0}, Pixel{100, 0}, 50, 0)
	if err != nil {
		t.Fatalf("NewDimensionEstimator failed: %v", err)
	}
	if est.MetersPerPixel() != 0.5 {
		t.Errorf("MetersPerPixel = %v, want 0.5", est.MetersPerPixel())
	}

	d, ok := est.Measure(100, 100, 300, 140)
	if !ok {
		t.Fatal("expected measurement inside zone")
	}
	if d.Length != 100 || d.Width != 20 || math.Abs(d.Height-70) > 1e-9 {
		t.Errorf("unexpected dimensions %+v", d)
	}

	if _, ok := est.Measure(2000, 2000, 2100, 2100); ok {
		t.Error("expected no measurement outside zone")
	}

	if _, err := NewDimensionEstimator(Zone{}, Pixel{1, 1}, Pixel{1, 1}, 10, 1); err == nil {
		t.Error("expected error for zero-length scale line")
	}
	if _, err := NewDimensionEstimator(Zone{}, Pixel{0, 0}, Pixel{1, 1}, 0, 1); err == nil {
		t.Error("expected error for non-positive real distance")
	}
}

func TestAverageDimensions(t *testing.T) {
	if _, ok := AverageDimensions(nil); ok {
		t.Error("expected ok=false for no samples")
	}
	avg, ok := AverageDimensions([]Dimensions{{10, 2, 7}, {20, 4, 14}})
	if !ok || avg != (Dimensions{15, 3, 10.5}) {
		t.Errorf("AverageDimensions = %+v, %v", avg, ok)
	}
}
