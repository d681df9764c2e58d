package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/topology"
	"github.com/Spatial-NVR/channeltrack/internal/vecindex"
)

// ErrClosed is returned by operations on a resolver that has been shut down
var ErrClosed = errors.New("identity resolver closed")

// ErrNoBinding is returned by Lookup when the local track is not bound
var ErrNoBinding = errors.New("no binding for local track")

// Defaults
const (
	DefaultSizeThreshold  = 10000
	DefaultMatchThreshold = 0.7
	DefaultBindingTTL     = time.Minute
	DefaultExitTimeout    = 5 * time.Minute
	DefaultSweepInterval  = 5 * time.Second
)

// NoSizeThreshold disables the registration size gate
const NoSizeThreshold = -1

// Config configures a Resolver
type Config struct {
	// Classes lists the object classes the gallery accepts
	Classes []string
	// Dim is the embedding dimensionality
	Dim int
	// SizeThreshold is the minimum bbox area (px^2) for registration or
	// matching. Zero selects DefaultSizeThreshold; NoSizeThreshold admits
	// every area.
	SizeThreshold float64
	// MatchThreshold is the squared-L2 distance below which a candidate matches
	MatchThreshold float64
	// BindingTTL expires bindings not refreshed for this long
	BindingTTL time.Duration
	// ExitTimeout evicts identities with no bound detection for this long
	ExitTimeout time.Duration
	// SweepInterval is the period of the background sweep in Run
	SweepInterval time.Duration

	// Admission is an optional policy hook; nil admits everything
	Admission AdmissionPolicy
	// OnEvict is called from Run with the sweep time and the identities the
	// sweep removed
	OnEvict func(ctx context.Context, now time.Time, evicted []Ref)
	// NewIndex builds the per-class nearest-neighbour index; defaults to a flat index
	NewIndex func(dim int) vecindex.Index[Slot]

	Clock  clock.Clock
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SizeThreshold == 0 {
		c.SizeThreshold = DefaultSizeThreshold
	}
	if c.MatchThreshold == 0 {
		c.MatchThreshold = DefaultMatchThreshold
	}
	if c.BindingTTL == 0 {
		c.BindingTTL = DefaultBindingTTL
	}
	if c.ExitTimeout == 0 {
		c.ExitTimeout = DefaultExitTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.NewIndex == nil {
		c.NewIndex = func(dim int) vecindex.Index[Slot] {
			return vecindex.NewFlat[Slot](dim)
		}
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type binding struct {
	id       GlobalID
	lastUsed time.Time
}

// gallery is the per-class shard. Its mutex serializes the whole
// read-check-mutate sequence of a resolution.
type gallery struct {
	mu sync.Mutex

	class      string
	nextID     GlobalID
	identities map[GlobalID]*GlobalIdentity
	bindings   map[BindingKey]*binding
	index      vecindex.Index[Slot]
	evicted    uint64
}

// Resolver is the identity gallery
type Resolver struct {
	cfg    Config
	topo   *topology.Topology
	clock  clock.Clock
	logger *slog.Logger

	galleries map[string]*gallery

	// closeMu is held for reading by every in-flight operation and for
	// writing by Close, which therefore drains them before discarding state.
	closeMu sync.RWMutex
	closed  bool
}

// NewResolver creates a resolver for the given topology
func NewResolver(topo *topology.Topology, cfg Config) (*Resolver, error) {
	if topo == nil {
		return nil, core.NewConfigurationError("identity", "topology is required")
	}
	if len(cfg.Classes) == 0 {
		return nil, core.NewConfigurationError("identity", "at least one class is required")
	}
	if cfg.Dim <= 0 {
		return nil, core.NewConfigurationError("identity", "embedding dimension must be positive, got %d", cfg.Dim)
	}
	cfg.setDefaults()

	r := &Resolver{
		cfg:       cfg,
		topo:      topo,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("component", "identity"),
		galleries: make(map[string]*gallery, len(cfg.Classes)),
	}
	for _, class := range cfg.Classes {
		if _, dup := r.galleries[class]; dup {
			return nil, core.NewConfigurationError(class, "class registered twice")
		}
		r.galleries[class] = &gallery{
			class:      class,
			nextID:     1,
			identities: make(map[GlobalID]*GlobalIdentity),
			bindings:   make(map[BindingKey]*binding),
			index:      cfg.NewIndex(cfg.Dim),
		}
	}
	return r, nil
}

// Resolve maps a sighting to its global identity. ok is false when the
// sighting resolves to none (below the size threshold, or rejected by the
// admission policy); no binding or gallery entry is created in that case.
func (r *Resolver) Resolve(ctx context.Context, s Sighting) (id GlobalID, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return 0, false, ErrClosed
	}

	g, known := r.galleries[s.Class]
	if !known {
		return 0, false, core.NewConfigurationError(s.Class, "class not registered")
	}
	if !r.topo.Has(s.CameraID) {
		return 0, false, core.NewConfigurationError(s.CameraID, "camera not in topology")
	}
	if len(s.Embedding) != r.cfg.Dim {
		return 0, false, core.NewValidationError("embedding", "dimension %d, want %d", len(s.Embedding), r.cfg.Dim)
	}

	now := r.clock.Now()
	key := BindingKey{Class: s.Class, CameraID: s.CameraID, LocalTrackID: s.LocalTrackID}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, bound := g.bindings[key]; bound {
		if ident, live := g.identities[b.id]; live {
			b.lastUsed = now
			ident.LastSeen = now
			if err := g.applyBestShot(ident, s, now); err != nil {
				return 0, false, err
			}
			return b.id, true, nil
		}
		// The identity was evicted while the local track kept its binding.
		// Drop the binding and resolve the track afresh.
		delete(g.bindings, key)
		r.logger.Debug("Dropped stale binding",
			"class", s.Class, "camera", s.CameraID, "local_track", s.LocalTrackID, "global_id", b.id)
	}

	if s.Area < r.cfg.SizeThreshold {
		return 0, false, nil
	}
	if r.cfg.Admission != nil && !r.cfg.Admission(s) {
		return 0, false, nil
	}

	id, matched, err := r.match(g, s)
	if err != nil {
		return 0, false, err
	}

	var ident *GlobalIdentity
	if matched {
		ident = g.identities[id]
		r.logger.Debug("Matched gallery identity",
			"class", s.Class, "camera", s.CameraID, "local_track", s.LocalTrackID, "global_id", id)
	} else {
		ident, err = g.register(s, now)
		if err != nil {
			return 0, false, err
		}
		id = ident.ID
		r.logger.Info("Registered new identity",
			"class", s.Class, "camera", s.CameraID, "local_track", s.LocalTrackID, "global_id", id)
	}

	if err := g.applyBestShot(ident, s, now); err != nil {
		return 0, false, err
	}
	g.bindings[key] = &binding{id: id, lastUsed: now}
	ident.LastSeen = now

	return id, true, nil
}

// candidate selection: for each identity, the embedding from the most
// recently updated predecessor camera; ties go to the deepest predecessor
// (nearest to the querying camera), then to the lowest camera id.
func (r *Resolver) candidates(g *gallery, cameraID string) map[Slot]struct{} {
	preds := r.topo.Predecessors(cameraID)
	if len(preds) == 0 {
		return nil
	}

	allowed := make(map[Slot]struct{})
	for id, ident := range g.identities {
		bestCam := ""
		var best *Shot
		for _, p := range preds {
			shot, ok := ident.PerCamera[p]
			if !ok {
				continue
			}
			if best == nil || r.preferShot(p, shot, bestCam, best) {
				bestCam, best = p, shot
			}
		}
		if best != nil {
			allowed[Slot{ID: id, CameraID: bestCam}] = struct{}{}
		}
	}
	return allowed
}

func (r *Resolver) preferShot(cam string, shot *Shot, bestCam string, best *Shot) bool {
	if !shot.UpdatedAt.Equal(best.UpdatedAt) {
		return shot.UpdatedAt.After(best.UpdatedAt)
	}
	cd, bd := r.topo.Depth(cam), r.topo.Depth(bestCam)
	if cd != bd {
		return cd > bd
	}
	return cam < bestCam
}

func (r *Resolver) match(g *gallery, s Sighting) (GlobalID, bool, error) {
	allowed := r.candidates(g, s.CameraID)
	if len(allowed) == 0 {
		return 0, false, nil
	}

	matches, err := g.index.Search(s.Embedding, len(allowed), func(slot Slot) bool {
		_, ok := allowed[slot]
		return ok
	})
	if err != nil {
		return 0, false, core.NewValidationError("embedding", "%v", err)
	}
	if len(matches) == 0 {
		return 0, false, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].ID.ID < matches[j].ID.ID
	})

	nearest := matches[0]
	if nearest.Distance < r.cfg.MatchThreshold {
		return nearest.ID.ID, true, nil
	}
	return 0, false, nil
}

func (g *gallery) register(s Sighting, now time.Time) (*GlobalIdentity, error) {
	emb := append([]float32(nil), s.Embedding...)
	id := g.nextID

	if err := g.index.Insert(Slot{ID: id, CameraID: s.CameraID}, emb); err != nil {
		return nil, core.NewValidationError("embedding", "%v", err)
	}
	g.nextID++

	ident := &GlobalIdentity{
		ID:    id,
		Class: g.class,
		PerCamera: map[string]*Shot{
			s.CameraID: {Embedding: emb, MaxArea: s.Area, UpdatedAt: now},
		},
		CreatedAt: now,
		LastSeen:  now,
	}
	g.identities[id] = ident
	return ident, nil
}

// applyBestShot overwrites the camera's stored embedding only when the new
// area strictly exceeds the recorded maximum for that camera. The stored
// shot is left untouched when the index rejects the embedding.
func (g *gallery) applyBestShot(ident *GlobalIdentity, s Sighting, now time.Time) error {
	shot, ok := ident.PerCamera[s.CameraID]
	if ok && s.Area <= shot.MaxArea {
		return nil
	}
	emb := append([]float32(nil), s.Embedding...)
	if err := g.index.Insert(Slot{ID: ident.ID, CameraID: s.CameraID}, emb); err != nil {
		return fmt.Errorf("index best shot of %s/%d from %s: %w", g.class, ident.ID, s.CameraID, err)
	}
	ident.PerCamera[s.CameraID] = &Shot{Embedding: emb, MaxArea: s.Area, UpdatedAt: now}
	return nil
}

// EndTrack removes the binding of a local track the upstream tracker has
// reported as ended. It reports whether a binding was removed.
func (r *Resolver) EndTrack(key BindingKey) (bool, error) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return false, ErrClosed
	}

	g, ok := r.galleries[key.Class]
	if !ok {
		return false, core.NewConfigurationError(key.Class, "class not registered")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, bound := g.bindings[key]; !bound {
		return false, nil
	}
	delete(g.bindings, key)
	return true, nil
}

// Lookup returns the global identity a local track is bound to
func (r *Resolver) Lookup(key BindingKey) (GlobalID, error) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return 0, ErrClosed
	}

	g, ok := r.galleries[key.Class]
	if !ok {
		return 0, core.NewConfigurationError(key.Class, "class not registered")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	b, bound := g.bindings[key]
	if !bound {
		return 0, ErrNoBinding
	}
	if _, live := g.identities[b.id]; !live {
		return 0, &core.StaleBindingError{
			Class:        key.Class,
			CameraID:     key.CameraID,
			LocalTrackID: key.LocalTrackID,
			GlobalID:     uint64(b.id),
		}
	}
	return b.id, nil
}

// Identity returns a deep copy of a gallery entry
func (r *Resolver) Identity(ref Ref) (*GlobalIdentity, bool) {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return nil, false
	}

	g, ok := r.galleries[ref.Class]
	if !ok {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	ident, ok := g.identities[ref.ID]
	if !ok {
		return nil, false
	}

	cp := *ident
	cp.PerCamera = make(map[string]*Shot, len(ident.PerCamera))
	for cam, shot := range ident.PerCamera {
		s := *shot
		s.Embedding = append([]float32(nil), shot.Embedding...)
		cp.PerCamera[cam] = &s
	}
	return &cp, true
}

// Sweep evicts identities that have not been seen for ExitTimeout and
// expires bindings not refreshed for BindingTTL. It returns the evicted
// identities. Counters are never rewound.
func (r *Resolver) Sweep(now time.Time) []Ref {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return nil
	}

	var evicted []Ref
	for _, g := range r.galleries {
		g.mu.Lock()
		for id, ident := range g.identities {
			if now.Sub(ident.LastSeen) <= r.cfg.ExitTimeout {
				continue
			}
			for cam := range ident.PerCamera {
				g.index.Delete(Slot{ID: id, CameraID: cam})
			}
			delete(g.identities, id)
			g.evicted++
			evicted = append(evicted, Ref{Class: g.class, ID: id})
		}
		for key, b := range g.bindings {
			if now.Sub(b.lastUsed) > r.cfg.BindingTTL {
				delete(g.bindings, key)
			}
		}
		g.mu.Unlock()
	}

	sort.Slice(evicted, func(i, j int) bool {
		if evicted[i].Class != evicted[j].Class {
			return evicted[i].Class < evicted[j].Class
		}
		return evicted[i].ID < evicted[j].ID
	})

	if len(evicted) > 0 {
		r.logger.Info("Evicted idle identities", "count", len(evicted))
	}
	return evicted
}

// Run sweeps periodically until ctx is cancelled
func (r *Resolver) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := r.clock.Now()
			evicted := r.Sweep(now)
			if len(evicted) > 0 && r.cfg.OnEvict != nil {
				r.cfg.OnEvict(ctx, now, evicted)
			}
		}
	}
}

// Stats returns per-class gallery statistics ordered by class
func (r *Resolver) Stats() []ClassStats {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()

	stats := make([]ClassStats, 0, len(r.galleries))
	for _, g := range r.galleries {
		g.mu.Lock()
		stats = append(stats, ClassStats{
			Class:      g.class,
			Identities: len(g.identities),
			Bindings:   len(g.bindings),
			IndexSize:  g.index.Len(),
			NextID:     g.nextID,
			Evicted:    g.evicted,
		})
		g.mu.Unlock()
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Class < stats[j].Class })
	return stats
}

// Classes returns the registered classes
func (r *Resolver) Classes() []string {
	out := make([]string, 0, len(r.galleries))
	for class := range r.galleries {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

// Close waits for in-flight operations to finish and discards all gallery
// and binding state. Subsequent calls return ErrClosed.
func (r *Resolver) Close() error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	for _, g := range r.galleries {
		g.mu.Lock()
		for id, ident := range g.identities {
			for cam := range ident.PerCamera {
				g.index.Delete(Slot{ID: id, CameraID: cam})
			}
		}
		g.identities = make(map[GlobalID]*GlobalIdentity)
		g.bindings = make(map[BindingKey]*binding)
		g.mu.Unlock()
	}

	r.logger.Info("Identity resolver closed")
	return nil
}
