package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/Spatial-NVR/channeltrack/internal/core"
	"github.com/Spatial-NVR/channeltrack/internal/topology"
	"github.com/Spatial-NVR/channeltrack/internal/vecindex"
)

const bigArea = 20000

var (
	e1   = []float32{1, 0, 0, 0}
	near = []float32{0.9, 0.1, 0, 0}
	far  = []float32{0, 1, 0, 0}
)

func chainTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.New(map[string][]string{
		"camera1": nil,
		"camera2": {"camera1"},
		"camera3": {"camera2"},
		"camera4": {"camera3"},
	})
	if err != nil {
		t.Fatalf("topology.New failed: %v", err)
	}
	return topo
}

func newTestResolver(t *testing.T, topo *topology.Topology, mutate func(*Config)) (*Resolver, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	cfg := Config{
		Classes: []string{"boat"},
		Dim:     4,
		Clock:   mock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewResolver(topo, cfg)
	if err != nil {
		t.Fatalf("NewResolver failed: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r, mock
}

func sighting(cam string, track int64, emb []float32, area float64) Sighting {
	return Sighting{CameraID: cam, Class: "boat", LocalTrackID: track, Embedding: emb, Area: area}
}

func mustResolve(t *testing.T, r *Resolver, s Sighting) GlobalID {
	t.Helper()
	id, ok, err := r.Resolve(context.Background(), s)
	if err != nil {
		t.Fatalf("Resolve(%+v) failed: %v", s, err)
	}
	if !ok {
		t.Fatalf("Resolve(%s/%d) resolved to none", s.CameraID, s.LocalTrackID)
	}
	return id
}

func TestResolveRegistersAndIsIdempotent(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)

	id := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	if id != 1 {
		t.Errorf("first identity = %d, want 1", id)
	}

	// A bound track keeps its identity whatever its embedding or size
	for _, s := range []Sighting{
		sighting("camera1", 1, far, bigArea),
		sighting("camera1", 1, e1, 10),
	} {
		if got := mustResolve(t, r, s); got != id {
			t.Errorf("bound track resolved to %d, want %d", got, id)
		}
	}

	got, err := r.Lookup(BindingKey{Class: "boat", CameraID: "camera1", LocalTrackID: 1})
	if err != nil || got != id {
		t.Errorf("Lookup = %d, %v; want %d", got, err, id)
	}
}

func TestResolveBelowSizeThreshold(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)

	id, ok, err := r.Resolve(context.Background(), sighting("camera1", 1, e1, DefaultSizeThreshold-1))
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ok || id != 0 {
		t.Errorf("expected none, got %d, %v", id, ok)
	}
	if _, err := r.Lookup(BindingKey{Class: "boat", CameraID: "camera1", LocalTrackID: 1}); !errors.Is(err, ErrNoBinding) {
		t.Errorf("expected no binding, got %v", err)
	}
	if st := r.Stats()[0]; st.Identities != 0 || st.NextID != 1 {
		t.Errorf("gallery changed by small sighting: %+v", st)
	}
}

func TestResolveWithoutSizeThreshold(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), func(c *Config) {
		c.SizeThreshold = NoSizeThreshold
	})

	if id := mustResolve(t, r, sighting("camera1", 1, e1, 1)); id != 1 {
		t.Errorf("tiny detection resolved to %d, want 1", id)
	}
}

func TestResolveMatchesAcrossPredecessor(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)

	id := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))

	if got := mustResolve(t, r, sighting("camera2", 7, near, bigArea)); got != id {
		t.Errorf("camera2 near sighting resolved to %d, want %d", got, id)
	}
	if got := mustResolve(t, r, sighting("camera2", 8, far, bigArea)); got == id {
		t.Errorf("camera2 far sighting matched %d", got)
	}

	ident, ok := r.Identity(Ref{Class: "boat", ID: id})
	if !ok {
		t.Fatal("identity missing")
	}
	if _, ok := ident.PerCamera["camera2"]; !ok {
		t.Error("matched identity has no camera2 shot")
	}
}

func TestResolveRespectsTopology(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)

	id := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))

	// camera3 only matches against camera2 shots
	if got := mustResolve(t, r, sighting("camera3", 1, e1, bigArea)); got == id {
		t.Error("camera3 matched an identity only seen by camera1")
	}
	// a root camera never matches
	if got := mustResolve(t, r, sighting("camera1", 2, e1, bigArea)); got == id {
		t.Error("root camera matched an existing identity")
	}
}

func TestResolvePrefersMostRecentPredecessorShot(t *testing.T) {
	topo, err := topology.New(map[string][]string{
		"camera1": nil,
		"camera2": {"camera1"},
		"camera3": {"camera1", "camera2"},
	})
	if err != nil {
		t.Fatalf("topology.New failed: %v", err)
	}
	r, mock := newTestResolver(t, topo, nil)

	id := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	mock.Add(time.Second)
	if got := mustResolve(t, r, sighting("camera2", 1, []float32{0.5, 0.5, 0, 0}, bigArea)); got != id {
		t.Fatalf("camera2 resolved to %d, want %d", got, id)
	}
	mock.Add(time.Second)

	// Close to the camera2 shot (0.5) and far from the camera1 shot (2)
	if got := mustResolve(t, r, sighting("camera3", 1, far, bigArea)); got != id {
		t.Errorf("camera3 resolved to %d, want %d via the newer camera2 shot", got, id)
	}
}

func TestResolveTieBreaksOnSmallestID(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)

	a := mustResolve(t, r, sighting("camera1", 1, []float32{1, 0, 0, 0}, bigArea))
	b := mustResolve(t, r, sighting("camera1", 2, []float32{0, 1, 0, 0}, bigArea))
	if a >= b {
		t.Fatalf("ids not increasing: %d, %d", a, b)
	}

	equidistant := []float32{0.5, 0.5, 0, 0}
	if got := mustResolve(t, r, sighting("camera2", 1, equidistant, bigArea)); got != a {
		t.Errorf("tie resolved to %d, want %d", got, a)
	}
}

func TestBestShotMonotonicity(t *testing.T) {
	r, mock := newTestResolver(t, chainTopology(t), nil)
	ref := Ref{Class: "boat", ID: mustResolve(t, r, sighting("camera1", 1, e1, bigArea))}

	mock.Add(time.Second)
	mustResolve(t, r, sighting("camera1", 1, far, bigArea-1))
	ident, _ := r.Identity(ref)
	shot := ident.PerCamera["camera1"]
	if shot.MaxArea != bigArea || shot.Embedding[0] != 1 {
		t.Errorf("smaller sighting replaced best shot: %+v", shot)
	}

	mustResolve(t, r, sighting("camera1", 1, far, bigArea))
	ident, _ = r.Identity(ref)
	if ident.PerCamera["camera1"].Embedding[1] != 0 {
		t.Error("equal-area sighting replaced best shot")
	}

	mock.Add(time.Second)
	mustResolve(t, r, sighting("camera1", 1, far, bigArea+1))
	ident, _ = r.Identity(ref)
	shot = ident.PerCamera["camera1"]
	if shot.MaxArea != bigArea+1 || shot.Embedding[1] != 1 {
		t.Errorf("larger sighting did not replace best shot: %+v", shot)
	}
	if !shot.UpdatedAt.Equal(mock.Now()) {
		t.Errorf("UpdatedAt = %v, want %v", shot.UpdatedAt, mock.Now())
	}

	// the index follows the best shot
	if got := mustResolve(t, r, sighting("camera2", 1, far, bigArea)); got != ref.ID {
		t.Errorf("camera2 resolved to %d, want %d", got, ref.ID)
	}
}

func TestCounterMonotonicAcrossEviction(t *testing.T) {
	r, mock := newTestResolver(t, chainTopology(t), nil)

	mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	mustResolve(t, r, sighting("camera1", 2, far, bigArea))

	mock.Add(DefaultExitTimeout + time.Second)
	evicted := r.Sweep(mock.Now())
	if len(evicted) != 2 || evicted[0].ID != 1 || evicted[1].ID != 2 {
		t.Fatalf("unexpected eviction %v", evicted)
	}

	if id := mustResolve(t, r, sighting("camera1", 3, e1, bigArea)); id != 3 {
		t.Errorf("identity after eviction = %d, want 3", id)
	}

	st := r.Stats()[0]
	if st.Evicted != 2 || st.Identities != 1 || st.IndexSize != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSweepKeepsActiveIdentities(t *testing.T) {
	r, mock := newTestResolver(t, chainTopology(t), nil)

	mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	mock.Add(DefaultExitTimeout - time.Second)
	mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	mock.Add(2 * time.Second)

	if evicted := r.Sweep(mock.Now()); len(evicted) != 0 {
		t.Errorf("evicted an identity refreshed by its bound track: %v", evicted)
	}
}

func TestStaleBinding(t *testing.T) {
	r, mock := newTestResolver(t, chainTopology(t), func(c *Config) {
		c.BindingTTL = time.Hour
	})
	key := BindingKey{Class: "boat", CameraID: "camera1", LocalTrackID: 7}

	id := mustResolve(t, r, sighting("camera1", 7, e1, bigArea))
	mock.Add(DefaultExitTimeout + time.Second)
	r.Sweep(mock.Now())

	_, err := r.Lookup(key)
	var stale *core.StaleBindingError
	if !errors.As(err, &stale) {
		t.Fatalf("expected StaleBindingError, got %v", err)
	}
	if stale.GlobalID != uint64(id) {
		t.Errorf("stale GlobalID = %d, want %d", stale.GlobalID, id)
	}

	// The next detection repairs the binding
	fresh := mustResolve(t, r, sighting("camera1", 7, e1, bigArea))
	if fresh == id {
		t.Errorf("evicted id %d was reused", id)
	}
	if got, err := r.Lookup(key); err != nil || got != fresh {
		t.Errorf("Lookup after repair = %d, %v", got, err)
	}
}

func TestBindingLifetime(t *testing.T) {
	r, mock := newTestResolver(t, chainTopology(t), nil)
	key := BindingKey{Class: "boat", CameraID: "camera1", LocalTrackID: 1}

	first := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))

	removed, err := r.EndTrack(key)
	if err != nil || !removed {
		t.Fatalf("EndTrack = %v, %v", removed, err)
	}
	if removed, _ := r.EndTrack(key); removed {
		t.Error("second EndTrack removed a binding")
	}

	// camera1 is a root, so the reused track id gets a new identity
	second := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	if second == first {
		t.Error("ended track kept its identity")
	}

	mock.Add(DefaultBindingTTL + time.Second)
	r.Sweep(mock.Now())
	if _, err := r.Lookup(key); !errors.Is(err, ErrNoBinding) {
		t.Errorf("expected binding to expire, got %v", err)
	}
}

func TestConcurrentResolveSameTrack(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)

	const workers = 32
	ids := make([]GlobalID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := r.Resolve(context.Background(), sighting("camera1", 1, e1, bigArea))
			if err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent resolutions disagree: %v", ids)
		}
	}
	if st := r.Stats()[0]; st.Identities != 1 || st.NextID != 2 {
		t.Errorf("expected a single identity, got %+v", st)
	}
}

func TestClassesAreIsolated(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), func(c *Config) {
		c.Classes = []string{"boat", "ship"}
	})

	boat := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	s := sighting("camera1", 1, e1, bigArea)
	s.Class = "ship"
	ship := mustResolve(t, r, s)
	if boat != 1 || ship != 1 {
		t.Errorf("per-class counters not independent: boat=%d ship=%d", boat, ship)
	}

	s = sighting("camera2", 1, e1, bigArea)
	s.Class = "ship"
	if got := mustResolve(t, r, s); got != ship {
		t.Errorf("ship resolved to %d, want %d", got, ship)
	}
	if st := r.Stats(); st[0].Identities != 1 || st[1].Identities != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestResolveErrors(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)
	ctx := context.Background()

	s := sighting("camera1", 1, e1, bigArea)
	s.Class = "kayak"
	if _, _, err := r.Resolve(ctx, s); !core.IsConfiguration(err) {
		t.Errorf("unknown class: expected ConfigurationError, got %v", err)
	}

	if _, _, err := r.Resolve(ctx, sighting("camera9", 1, e1, bigArea)); !core.IsConfiguration(err) {
		t.Errorf("unknown camera: expected ConfigurationError, got %v", err)
	}

	if _, _, err := r.Resolve(ctx, sighting("camera1", 1, []float32{1, 0}, bigArea)); !core.IsValidation(err) {
		t.Errorf("bad dimension: expected ValidationError, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, _, err := r.Resolve(cancelled, sighting("camera1", 1, e1, bigArea)); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if _, err := NewResolver(chainTopology(t), Config{Dim: 4}); !core.IsConfiguration(err) {
		t.Errorf("no classes: expected ConfigurationError, got %v", err)
	}
	if _, err := NewResolver(chainTopology(t), Config{Classes: []string{"boat"}}); !core.IsConfiguration(err) {
		t.Errorf("zero dim: expected ConfigurationError, got %v", err)
	}
	if _, err := NewResolver(nil, Config{Classes: []string{"boat"}, Dim: 4}); !core.IsConfiguration(err) {
		t.Errorf("nil topology: expected ConfigurationError, got %v", err)
	}
}

func TestAdmissionPolicy(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), func(c *Config) {
		c.Admission = func(s Sighting) bool { return s.BBox[0] >= 100 }
	})

	s := sighting("camera1", 1, e1, bigArea)
	s.BBox = [4]float64{10, 10, 200, 200}
	if _, ok, err := r.Resolve(context.Background(), s); err != nil || ok {
		t.Errorf("rejected sighting resolved: ok=%v err=%v", ok, err)
	}

	s.BBox[0] = 150
	if id := mustResolve(t, r, s); id != 1 {
		t.Errorf("admitted sighting = %d, want 1", id)
	}

	// bound tracks bypass admission
	s.BBox[0] = 0
	if id := mustResolve(t, r, s); id != 1 {
		t.Errorf("bound sighting = %d, want 1", id)
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	r, _ := newTestResolver(t, chainTopology(t), nil)
	mustResolve(t, r, sighting("camera1", 1, e1, bigArea))

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}

	if _, _, err := r.Resolve(context.Background(), sighting("camera1", 2, e1, bigArea)); !errors.Is(err, ErrClosed) {
		t.Errorf("Resolve after Close: expected ErrClosed, got %v", err)
	}
	if _, err := r.Lookup(BindingKey{Class: "boat", CameraID: "camera1", LocalTrackID: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Lookup after Close: expected ErrClosed, got %v", err)
	}
	if _, err := r.EndTrack(BindingKey{Class: "boat", CameraID: "camera1", LocalTrackID: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("EndTrack after Close: expected ErrClosed, got %v", err)
	}
	if st := r.Stats()[0]; st.Identities != 0 || st.IndexSize != 0 {
		t.Errorf("state survived Close: %+v", st)
	}
}

type eviction struct {
	at   time.Time
	refs []Ref
}

func TestRunSweepsAndReportsEvictions(t *testing.T) {
	evictedCh := make(chan eviction, 1)
	r, mock := newTestResolver(t, chainTopology(t), func(c *Config) {
		c.OnEvict = func(_ context.Context, now time.Time, refs []Ref) {
			select {
			case evictedCh <- eviction{at: now, refs: refs}:
			default:
			}
		}
	})
	mock.Set(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	seen := mock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	mock.Add(DefaultExitTimeout)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-evictedCh:
			if len(ev.refs) != 1 || ev.refs[0] != (Ref{Class: "boat", ID: 1}) {
				t.Errorf("unexpected eviction %v", ev.refs)
			}
			// the reported time is the sweep's clock reading
			if ev.at.Sub(seen) <= DefaultExitTimeout || ev.at.After(mock.Now()) {
				t.Errorf("eviction reported at %v, last seen %v, clock %v", ev.at, seen, mock.Now())
			}
			cancel()
			<-done
			return
		case <-deadline:
			cancel()
			t.Fatal("Run did not report eviction")
		case <-time.After(10 * time.Millisecond):
			// the ticker may not have been created before the first Add
			mock.Add(DefaultSweepInterval)
		}
	}
}

// flakyIndex is a flat index whose inserts fail while broken is set
type flakyIndex struct {
	*vecindex.Flat[Slot]
	broken atomic.Bool
}

var errIndexFull = errors.New("index full")

func (f *flakyIndex) Insert(id Slot, v []float32) error {
	if f.broken.Load() {
		return errIndexFull
	}
	return f.Flat.Insert(id, v)
}

func TestBestShotIndexFailure(t *testing.T) {
	idx := &flakyIndex{Flat: vecindex.NewFlat[Slot](4)}
	r, _ := newTestResolver(t, chainTopology(t), func(c *Config) {
		c.NewIndex = func(int) vecindex.Index[Slot] { return idx }
	})
	ctx := context.Background()
	ref := Ref{Class: "boat", ID: 1}

	id := mustResolve(t, r, sighting("camera1", 1, e1, bigArea))
	idx.broken.Store(true)

	// bound track with a larger shot
	if _, ok, err := r.Resolve(ctx, sighting("camera1", 1, near, 2*bigArea)); !errors.Is(err, errIndexFull) || ok {
		t.Fatalf("bound path: expected index error, got ok=%v err=%v", ok, err)
	}
	ident, _ := r.Identity(ref)
	if shot := ident.PerCamera["camera1"]; shot.MaxArea != bigArea || shot.Embedding[0] != 1 {
		t.Errorf("rejected shot was recorded: %+v", shot)
	}

	// matched across the predecessor edge
	if _, ok, err := r.Resolve(ctx, sighting("camera2", 5, near, bigArea)); !errors.Is(err, errIndexFull) || ok {
		t.Fatalf("match path: expected index error, got ok=%v err=%v", ok, err)
	}
	if _, err := r.Lookup(BindingKey{Class: "boat", CameraID: "camera2", LocalTrackID: 5}); !errors.Is(err, ErrNoBinding) {
		t.Errorf("failed match left a binding: %v", err)
	}
	ident, _ = r.Identity(ref)
	if _, ok := ident.PerCamera["camera2"]; ok {
		t.Error("rejected camera2 shot was recorded")
	}

	idx.broken.Store(false)
	if got := mustResolve(t, r, sighting("camera2", 5, near, bigArea)); got != id {
		t.Errorf("after recovery resolved to %d, want %d", got, id)
	}
	if st := r.Stats()[0]; st.Identities != 1 || st.IndexSize != 2 {
		t.Errorf("unexpected stats %+v", st)
	}
}
