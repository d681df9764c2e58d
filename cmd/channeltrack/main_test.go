package main

import (
	"io"
	"log/slog"
	"testing"

	"github.com/Spatial-NVR/channeltrack/internal/config"
	"github.com/Spatial-NVR/channeltrack/internal/identity"
)

const arrayYAML = `
cameras:
  - id: camera1
    name: Mouth
    gcp:
      - pixel_coord: [100, 200]
        geo_coord: [22.6101, 120.2701]
      - pixel_coord: [900, 220]
        geo_coord: [22.6105, 120.2760]
      - pixel_coord: [500, 700]
        geo_coord: [22.6060, 120.2730]
    channel_regions:
      interior_channel: [[0, 0], [1000, 0], [1000, 1000], [0, 1000]]
  - id: camera2
    predecessors: [camera1]
`

func TestBuildCameras(t *testing.T) {
	cfg, err := config.Parse([]byte(arrayYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	topo, err := cfg.Topology()
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}

	cameras, infos, err := buildCameras(cfg, topo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("buildCameras failed: %v", err)
	}
	if len(cameras) != 2 || len(infos) != 2 {
		t.Fatalf("expected 2 cameras, got %d/%d", len(cameras), len(infos))
	}
	if cameras["camera1"].Referencer == nil || !cameras["camera1"].Referencer.Calibrated() {
		t.Error("camera1 should be calibrated")
	}
	if cameras["camera2"].Referencer != nil {
		t.Error("camera2 has no control points")
	}

	mouth, downstream := infos[0], infos[1]
	if mouth.Name != "Mouth" || !mouth.Calibrated || len(mouth.ChannelRegions) != 1 || mouth.Terminal {
		t.Errorf("unexpected camera1 info %+v", mouth)
	}
	if !downstream.Terminal || downstream.Calibrated || downstream.Depth != 1 {
		t.Errorf("unexpected camera2 info %+v", downstream)
	}
}

func TestFindConfigFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", "/etc/channeltrack.yaml")
	if got := findConfigFile(t.TempDir()); got != "/etc/channeltrack.yaml" {
		t.Errorf("CONFIG_PATH ignored, got %s", got)
	}
}

func TestSizeThreshold(t *testing.T) {
	value := func(v float64) *float64 { return &v }
	tests := []struct {
		name string
		in   *float64
		want float64
	}{
		{"unset", nil, identity.DefaultSizeThreshold},
		{"disabled", value(0), identity.NoSizeThreshold},
		{"explicit", value(2500), 2500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sizeThreshold(config.TrackingConfig{SizeThreshold: tt.in}); got != tt.want {
				t.Errorf("sizeThreshold = %v, want %v", got, tt.want)
			}
		})
	}
}
