// Package detection adapts an external HTTP detection service (object
// detector, local tracker and appearance embedder) to the pipeline.
package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Spatial-NVR/channeltrack/internal/pipeline"
)

// Client is an HTTP client for the detection service
type Client struct {
	mu            sync.RWMutex
	httpClient    *http.Client
	baseURL       string
	minConfidence float64
	classes       map[string]bool
	logger        *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address       string
	Timeout       time.Duration
	MinConfidence float64
	// Classes restricts returned detections; empty keeps all
	Classes []string
	Logger  *slog.Logger
}

// NewClient creates a new detection service client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("detection service address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseURL := cfg.Address
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	var classes map[string]bool
	if len(cfg.Classes) > 0 {
		classes = make(map[string]bool, len(cfg.Classes))
		for _, c := range cfg.Classes {
			classes[c] = true
		}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		minConfidence: cfg.MinConfidence,
		classes:       classes,
		logger:        cfg.Logger.With("component", "detection_client"),
	}, nil
}

type detectResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error"`
	CameraID   string `json:"camera_id"`
	Timestamp  int64  `json:"timestamp"`
	Detections []struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			X1 float64 `json:"x1"`
			Y1 float64 `json:"y1"`
			X2 float64 `json:"x2"`
			Y2 float64 `json:"y2"`
		} `json:"bbox"`
		TrackID   int64     `json:"track_id"`
		Embedding []float32 `json:"embedding"`
	} `json:"detections"`
	ProcessTimeMs float64 `json:"process_time_ms"`
}

// Detect sends a frame for detection, local tracking and embedding. Boxes
// are returned in the frame's pixel coordinates.
func (c *Client) Detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()
	dets, err := c.detect(ctx, frame)

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	if err != nil {
		c.errorCount++
	}
	c.mu.Unlock()

	return dets, err
}

func (c *Client) detect(ctx context.Context, frame *pipeline.Frame) ([]pipeline.Detection, error) {
	if frame == nil || len(frame.Data) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	body := map[string]interface{}{
		"camera_id":      frame.CameraID,
		"min_confidence": c.minConfidence,
		"image_data":     base64.StdEncoding.EncodeToString(frame.Data),
		"format":         frame.Format,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("detection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detection service returned status %d", resp.StatusCode)
	}

	var result detectResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !result.Success {
		return nil, fmt.Errorf("detection failed: %s", result.Error)
	}

	detections := make([]pipeline.Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		if d.Confidence < c.minConfidence {
			continue
		}
		if c.classes != nil && !c.classes[d.Label] {
			continue
		}
		detections = append(detections, pipeline.Detection{
			CameraID:     frame.CameraID,
			Class:        d.Label,
			BBox:         pipeline.BBox{X1: d.BBox.X1, Y1: d.BBox.Y1, X2: d.BBox.X2, Y2: d.BBox.Y2},
			Score:        d.Confidence,
			LocalTrackID: d.TrackID,
			Embedding:    d.Embedding,
		})
	}

	c.logger.Debug("Detection complete",
		"camera", frame.CameraID, "detections", len(detections), "process_ms", result.ProcessTimeMs)
	return detections, nil
}

// ServiceStatus reports the detection service health
type ServiceStatus struct {
	Connected      bool    `json:"connected"`
	ProcessedCount int64   `json:"processed_count"`
	ErrorCount     int64   `json:"error_count"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// GetStatus returns the service status. An unreachable service is reported
// as disconnected rather than as an error.
func (c *Client) GetStatus(ctx context.Context) (*ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ServiceStatus{Connected: false}, nil
	}
	defer resp.Body.Close()

	var result ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &ServiceStatus{Connected: false}, nil
	}
	result.Connected = true
	return &result, nil
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}
