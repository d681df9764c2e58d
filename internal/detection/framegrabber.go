package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Spatial-NVR/channeltrack/internal/pipeline"
)

// SnapshotGrabber grabs still frames from an HTTP snapshot endpoint such as
// go2rtc's /api/frame.jpeg
type SnapshotGrabber struct {
	baseURL    string
	streams    map[string]string
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger
}

// SnapshotConfig configures a SnapshotGrabber
type SnapshotConfig struct {
	BaseURL string
	// Streams maps camera ids to stream names; unmapped cameras use a
	// normalised form of their id
	Streams map[string]string
	Timeout time.Duration
	Clock   clock.Clock
	Logger  *slog.Logger
}

// NewSnapshotGrabber creates a new snapshot frame grabber
func NewSnapshotGrabber(cfg SnapshotConfig) *SnapshotGrabber {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SnapshotGrabber{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		streams: cfg.Streams,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		clock:  cfg.Clock,
		logger: cfg.Logger.With("component", "frame_grabber"),
	}
}

// StreamName returns the stream a camera's frames are requested from
func (g *SnapshotGrabber) StreamName(cameraID string) string {
	if name, ok := g.streams[cameraID]; ok {
		return name
	}
	// go2rtc uses lowercase stream names
	return strings.ToLower(strings.ReplaceAll(cameraID, " ", "_"))
}

// GrabFrame grabs a single frame from a camera
func (g *SnapshotGrabber) GrabFrame(ctx context.Context, cameraID string) (*pipeline.Frame, error) {
	u := fmt.Sprintf("%s/api/frame.jpeg?src=%s", g.baseURL, url.QueryEscape(g.StreamName(cameraID)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	// Only the header is decoded; the detector consumes the encoded bytes
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return &pipeline.Frame{
		CameraID:  cameraID,
		Timestamp: g.clock.Now(),
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    format,
	}, nil
}
