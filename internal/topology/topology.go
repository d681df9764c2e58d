// Package topology models the physical transit order of the camera array:
// which cameras' gallery entries a given camera is allowed to match against.
package topology

import (
	"sort"

	"github.com/Spatial-NVR/channeltrack/internal/core"
)

// Topology is an immutable directed acyclic predecessor relation.
// It is built once at startup and read concurrently afterwards.
type Topology struct {
	preds map[string][]string
	depth map[string]int
	order []string
}

// New validates the predecessor lists and builds a Topology.
// Every camera referenced as a predecessor must itself be declared, no camera
// may list itself, and the relation must be acyclic.
func New(predecessors map[string][]string) (*Topology, error) {
	if len(predecessors) == 0 {
		return nil, core.NewConfigurationError("topology", "no cameras declared")
	}

	t := &Topology{
		preds: make(map[string][]string, len(predecessors)),
		depth: make(map[string]int, len(predecessors)),
	}

	for cam, ps := range predecessors {
		if cam == "" {
			return nil, core.NewConfigurationError("topology", "empty camera id")
		}
		seen := make(map[string]bool, len(ps))
		list := make([]string, 0, len(ps))
		for _, p := range ps {
			if p == cam {
				return nil, core.NewConfigurationError(cam, "camera lists itself as predecessor")
			}
			if _, ok := predecessors[p]; !ok {
				return nil, core.NewConfigurationError(cam, "unknown predecessor %q", p)
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			list = append(list, p)
		}
		sort.Strings(list)
		t.preds[cam] = list
	}

	// Depth-first walk with three-colour marking detects cycles and
	// computes the longest path from a root for each camera.
	const (
		white = iota
		grey
		black
	)
	colour := make(map[string]int, len(t.preds))
	var visit func(cam string) error
	visit = func(cam string) error {
		switch colour[cam] {
		case grey:
			return core.NewConfigurationError(cam, "predecessor cycle detected")
		case black:
			return nil
		}
		colour[cam] = grey
		d := 0
		for _, p := range t.preds[cam] {
			if err := visit(p); err != nil {
				return err
			}
			if t.depth[p]+1 > d {
				d = t.depth[p] + 1
			}
		}
		t.depth[cam] = d
		colour[cam] = black
		t.order = append(t.order, cam)
		return nil
	}

	cams := make([]string, 0, len(t.preds))
	for cam := range t.preds {
		cams = append(cams, cam)
	}
	sort.Strings(cams)
	for _, cam := range cams {
		if err := visit(cam); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(t.order, func(i, j int) bool {
		return t.depth[t.order[i]] < t.depth[t.order[j]]
	})

	return t, nil
}

// Predecessors returns the cameras whose gallery entries cam may match against.
// The returned slice must not be modified.
func (t *Topology) Predecessors(cam string) []string {
	return t.preds[cam]
}

// Has reports whether cam is part of the topology
func (t *Topology) Has(cam string) bool {
	_, ok := t.preds[cam]
	return ok
}

// Depth returns the length of the longest predecessor chain ending at cam.
// Cameras with no predecessors have depth 0.
func (t *Topology) Depth(cam string) int {
	return t.depth[cam]
}

// Order returns all cameras in topological order (roots first)
func (t *Topology) Order() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Terminal returns the default terminal camera: the one with the most
// predecessors, breaking ties by depth and then by id.
func (t *Topology) Terminal() string {
	best := ""
	for _, cam := range t.order {
		if best == "" {
			best = cam
			continue
		}
		bp, cp := len(t.preds[best]), len(t.preds[cam])
		switch {
		case cp > bp:
			best = cam
		case cp == bp && t.depth[cam] > t.depth[best]:
			best = cam
		case cp == bp && t.depth[cam] == t.depth[best] && cam > best:
			best = cam
		}
	}
	return best
}
