// Package config loads the YAML configuration of the tracking service
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/georef"
	"github.com/Spatial-NVR/channeltrack/internal/topology"
)

// Config is the root configuration
type Config struct {
	System   SystemConfig   `yaml:"system"`
	Database DatabaseConfig `yaml:"database"`
	EventBus EventBusConfig `yaml:"event_bus"`
	API       APIConfig       `yaml:"api"`
	Detection DetectionConfig `yaml:"detection"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Cameras   []CameraConfig  `yaml:"cameras"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	logger   *slog.Logger    `yaml:"-"`
}

// SystemConfig holds process-wide settings
type SystemConfig struct {
	Name     string        `yaml:"name"`
	DataPath string        `yaml:"data_path"`
	Logging  LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// EventBusConfig holds embedded NATS settings
type EventBusConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// APIConfig holds HTTP server settings
type APIConfig struct {
	Address     string   `yaml:"address"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"` // empty allows localhost only
}

// Detection sources
const (
	DetectionSourceBus  = "bus"  // batches published on detections.<camera>
	DetectionSourceHTTP = "http" // snapshots pulled and sent to a detector service
)

// DetectionConfig selects where per-camera detection batches come from
type DetectionConfig struct {
	Source        string            `yaml:"source"`
	Address       string            `yaml:"address"`      // detector service, http source only
	SnapshotURL   string            `yaml:"snapshot_url"` // frame server, http source only
	Timeout       time.Duration     `yaml:"timeout"`
	MinConfidence float64           `yaml:"min_confidence"`
	Streams       map[string]string `yaml:"streams,omitempty"` // camera id -> stream name
}

// TrackingConfig holds the identity and event lifecycle parameters
type TrackingConfig struct {
	Classes          []string      `yaml:"classes"`
	EmbeddingDim     int           `yaml:"embedding_dim"`
	SizeThreshold    *float64      `yaml:"size_threshold"` // px^2, 0 admits every area
	MatchThreshold   float64       `yaml:"match_threshold"`
	TrackingInterval time.Duration `yaml:"tracking_interval"`
	ExitTimeout      time.Duration `yaml:"exit_timeout"`
	BindingTTL       time.Duration `yaml:"binding_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	CycleInterval    time.Duration `yaml:"cycle_interval"`
	FetchTimeout     time.Duration `yaml:"fetch_timeout"`
	TerminalCamera   string        `yaml:"terminal_camera"`
}

// CameraConfig describes one camera of the array
type CameraConfig struct {
	ID             string                  `yaml:"id" json:"id"`
	Name           string                  `yaml:"name" json:"name"`
	Predecessors   []string                `yaml:"predecessors" json:"predecessors"`
	GCP            []ControlPointConfig    `yaml:"gcp" json:"gcp"`
	ChannelRegions map[string][][2]float64 `yaml:"channel_regions,omitempty" json:"channel_regions,omitempty"`
	Measurement    MeasurementConfig       `yaml:"measurement,omitempty" json:"measurement,omitempty"`
}

// ControlPointConfig is one ground control point
type ControlPointConfig struct {
	Name       string     `yaml:"name" json:"name"`
	PixelCoord [2]float64 `yaml:"pixel_coord" json:"pixel_coord"` // x, y
	GeoCoord   [2]float64 `yaml:"geo_coord" json:"geo_coord"`     // lat, lon
}

// MeasurementConfig enables vessel dimension estimation for a camera
type MeasurementConfig struct {
	Enabled        bool                 `yaml:"enabled" json:"enabled"`
	Zone           [4]float64           `yaml:"zone" json:"zone"` // x1, y1, x2, y2
	ScaleReference ScaleReferenceConfig `yaml:"scale_reference" json:"scale_reference"`
	WidthRatio     float64              `yaml:"width_ratio" json:"width_ratio"`
}

// ScaleReferenceConfig is a pixel line of known real-world length
type ScaleReferenceConfig struct {
	Point1       [2]float64 `yaml:"point1" json:"point1"`
	Point2       [2]float64 `yaml:"point2" json:"point2"`
	RealDistance float64    `yaml:"real_distance" json:"real_distance"`
}

// Load reads, defaults and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes, defaults and validates configuration YAML
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration back to its file atomically
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no path")
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return os.Rename(tmpPath, c.path)
}

// SetLogger sets the logger used for reload diagnostics
func (c *Config) SetLogger(logger *slog.Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = logger.With("component", "config")
}

func (c *Config) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default().With("component", "config")
}

// Watch reloads the configuration whenever its file is rewritten, until
// ctx is cancelled. The parent directory is watched so that editors which
// replace the file by rename are also picked up.
func (c *Config) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.Path()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.log().Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback invoked after every successful reload
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload applies the runtime-adjustable sections of the file on disk.
// Topology, calibration and tracking parameters are fixed at startup; a
// changed file that touches them is reported as requiring a restart.
func (c *Config) reload() {
	newCfg, err := Load(c.Path())
	if err != nil {
		c.log().Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	restart := c.requiresRestart(newCfg)
	c.System.Logging = newCfg.System.Logging
	c.System.Name = newCfg.System.Name
	watchers := append([]func(*Config){}, c.watchers...)
	c.mu.Unlock()

	if restart {
		c.log().Warn("Configuration changed in sections that require a restart to take effect")
	} else {
		c.log().Info("Configuration reloaded")
	}

	for _, fn := range watchers {
		fn(c)
	}
}

func (c *Config) requiresRestart(next *Config) bool {
	return !reflect.DeepEqual(c.Cameras, next.Cameras) ||
		!reflect.DeepEqual(c.Tracking, next.Tracking) ||
		c.Database != next.Database ||
		c.EventBus != next.EventBus ||
		!reflect.DeepEqual(c.API, next.API) ||
		!reflect.DeepEqual(c.Detection, next.Detection) ||
		c.System.DataPath != next.System.DataPath
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath sets the file used by Save and Watch
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.System.Logging.Level
}

// GetCamera returns a camera by ID
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			return &c.Cameras[i]
		}
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.System.Name == "" {
		c.System.Name = "channeltrack"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.System.DataPath, "channeltrack.db")
	}
	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = core.DefaultNATSPort
	}
	if c.API.Port == 0 {
		c.API.Port = core.DefaultAPIPort
	}
	if c.Detection.Source == "" {
		c.Detection.Source = DetectionSourceBus
	}
	if c.Detection.Timeout == 0 {
		c.Detection.Timeout = 5 * time.Second
	}

	t := &c.Tracking
	if len(t.Classes) == 0 {
		t.Classes = []string{"vessel"}
	}
	if t.EmbeddingDim == 0 {
		t.EmbeddingDim = 512
	}
	if t.SizeThreshold == nil {
		t.SizeThreshold = new(float64)
		*t.SizeThreshold = 10000
	}
	if t.MatchThreshold == 0 {
		t.MatchThreshold = 0.7
	}
	if t.TrackingInterval == 0 {
		t.TrackingInterval = 10 * time.Second
	}
	if t.ExitTimeout == 0 {
		t.ExitTimeout = 5 * time.Minute
	}
	if t.BindingTTL == 0 {
		t.BindingTTL = time.Minute
	}
	if t.SweepInterval == 0 {
		t.SweepInterval = 5 * time.Second
	}
	if t.CycleInterval == 0 {
		t.CycleInterval = 100 * time.Millisecond
	}
	if t.FetchTimeout == 0 {
		t.FetchTimeout = t.CycleInterval
	}

	for i := range c.Cameras {
		if c.Cameras[i].Name == "" {
			c.Cameras[i].Name = c.Cameras[i].ID
		}
	}
}

// Validate checks the configuration and the camera topology it declares
func (c *Config) Validate() error {
	t := c.Tracking
	if t.EmbeddingDim <= 0 {
		return core.NewConfigurationError("tracking.embedding_dim", "must be positive")
	}
	if t.MatchThreshold <= 0 {
		return core.NewConfigurationError("tracking.match_threshold", "must be positive")
	}
	if t.SizeThreshold == nil || *t.SizeThreshold < 0 {
		return core.NewConfigurationError("tracking.size_threshold", "must not be negative")
	}
	for name, d := range map[string]time.Duration{
		"tracking_interval": t.TrackingInterval,
		"exit_timeout":      t.ExitTimeout,
		"binding_ttl":       t.BindingTTL,
		"sweep_interval":    t.SweepInterval,
		"cycle_interval":    t.CycleInterval,
		"fetch_timeout":     t.FetchTimeout,
	} {
		if d <= 0 {
			return core.NewConfigurationError("tracking."+name, "must be positive")
		}
	}
	seenClass := make(map[string]bool)
	for _, class := range t.Classes {
		if class == "" || seenClass[class] {
			return core.NewConfigurationError("tracking.classes", "empty or duplicate class %q", class)
		}
		seenClass[class] = true
	}

	d := c.Detection
	switch d.Source {
	case DetectionSourceBus:
	case DetectionSourceHTTP:
		if d.Address == "" {
			return core.NewConfigurationError("detection.address", "required for the http source")
		}
		if d.SnapshotURL == "" {
			return core.NewConfigurationError("detection.snapshot_url", "required for the http source")
		}
	default:
		return core.NewConfigurationError("detection.source", "unknown source %q", d.Source)
	}
	if d.MinConfidence < 0 || d.MinConfidence > 1 {
		return core.NewConfigurationError("detection.min_confidence", "must be within [0, 1]")
	}

	topo, err := c.Topology()
	if err != nil {
		return err
	}
	if t.TerminalCamera != "" && !topo.Has(t.TerminalCamera) {
		return core.NewConfigurationError("tracking.terminal_camera", "unknown camera %q", t.TerminalCamera)
	}
	return nil
}

// Topology builds the camera predecessor relation
func (c *Config) Topology() (*topology.Topology, error) {
	preds := make(map[string][]string, len(c.Cameras))
	for _, cam := range c.Cameras {
		if _, dup := preds[cam.ID]; dup {
			return nil, core.NewConfigurationError(cam.ID, "camera declared twice")
		}
		preds[cam.ID] = cam.Predecessors
	}
	return topology.New(preds)
}

// TerminalCamera returns the configured terminal camera or the topology default
func (c *Config) TerminalCamera(topo *topology.Topology) string {
	if c.Tracking.TerminalCamera != "" {
		return c.Tracking.TerminalCamera
	}
	return topo.Terminal()
}

// ControlPoints converts the camera's ground control points
func (cc *CameraConfig) ControlPoints() []georef.ControlPoint {
	out := make([]georef.ControlPoint, 0, len(cc.GCP))
	for i, p := range cc.GCP {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("p%d", i+1)
		}
		out = append(out, georef.ControlPoint{
			Name:  name,
			Pixel: georef.Pixel{X: p.PixelCoord[0], Y: p.PixelCoord[1]},
			Geo:   georef.Position{Lat: p.GeoCoord[0], Lon: p.GeoCoord[1]},
		})
	}
	return out
}

// Referencer builds the camera's georeferencer
func (cc *CameraConfig) Referencer() (*georef.Referencer, error) {
	return georef.NewReferencer(cc.ID, cc.ControlPoints())
}

// ChannelClassifier builds the camera's channel-region classifier, or nil
// when no regions are configured.
func (cc *CameraConfig) ChannelClassifier() *georef.ChannelClassifier {
	if len(cc.ChannelRegions) == 0 {
		return nil
	}
	regions := make(map[string]georef.Polygon, len(cc.ChannelRegions))
	for name, pts := range cc.ChannelRegions {
		poly := make(georef.Polygon, 0, len(pts))
		for _, p := range pts {
			poly = append(poly, georef.Pixel{X: p[0], Y: p[1]})
		}
		regions[name] = poly
	}
	return georef.NewChannelClassifier(regions)
}

// DimensionEstimator builds the camera's estimator, or nil when measurement
// is disabled.
func (cc *CameraConfig) DimensionEstimator() (*georef.DimensionEstimator, error) {
	m := cc.Measurement
	if !m.Enabled {
		return nil, nil
	}
	est, err := georef.NewDimensionEstimator(
		georef.Zone{X1: m.Zone[0], Y1: m.Zone[1], X2: m.Zone[2], Y2: m.Zone[3]},
		georef.Pixel{X: m.ScaleReference.Point1[0], Y: m.ScaleReference.Point1[1]},
		georef.Pixel{X: m.ScaleReference.Point2[0], Y: m.ScaleReference.Point2[1]},
		m.ScaleReference.RealDistance,
		m.WidthRatio,
	)
	if err != nil {
		return nil, core.NewConfigurationError(cc.ID, "measurement: %v", err)
	}
	return est, nil
}
