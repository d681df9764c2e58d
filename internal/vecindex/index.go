// Package vecindex provides the nearest-neighbour capability used by the
// identity gallery.
//
// The [Index] interface is the contract the gallery depends on; [Flat] is an
// exact brute-force implementation. Other backends (HNSW, an external vector
// database) can be swapped in behind the same interface.
package vecindex

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"
)

// ErrDimension is returned when a vector does not match the index dimension
var ErrDimension = errors.New("vector dimension mismatch")

// Match is a single search result
type Match[K comparable] struct {
	ID K
	// Distance is the squared euclidean distance to the query. Lower is closer.
	Distance float64
}

// Index is a nearest-neighbour index over fixed-dimension vectors.
// All implementations must be safe for concurrent use.
type Index[K comparable] interface {
	// Insert adds or replaces the vector stored under id
	Insert(id K, vector []float32) error
	// Delete removes id. No error if it does not exist.
	Delete(id K)
	// Search returns up to k nearest vectors accepted by filter (nil accepts
	// all), ordered by ascending distance.
	Search(query []float32, k int, filter func(K) bool) ([]Match[K], error)
	// Len returns the number of stored vectors
	Len() int
	// Dim returns the vector dimension
	Dim() int
}

// Flat is an exact index computing squared L2 distance against every vector
type Flat[K comparable] struct {
	dim int

	mu      sync.RWMutex
	vectors map[K][]float64
}

// NewFlat creates an empty flat index of the given dimension
func NewFlat[K comparable](dim int) *Flat[K] {
	return &Flat[K]{
		dim:     dim,
		vectors: make(map[K][]float64),
	}
}

func (f *Flat[K]) convert(v []float32) ([]float64, error) {
	if len(v) != f.dim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(v), f.dim)
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out, nil
}

// Insert adds or replaces a vector
func (f *Flat[K]) Insert(id K, vector []float32) error {
	v, err := f.convert(vector)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.vectors[id] = v
	f.mu.Unlock()
	return nil
}

// Delete removes a vector
func (f *Flat[K]) Delete(id K) {
	f.mu.Lock()
	delete(f.vectors, id)
	f.mu.Unlock()
}

// Search performs an exhaustive k-nearest search
func (f *Flat[K]) Search(query []float32, k int, filter func(K) bool) ([]Match[K], error) {
	q, err := f.convert(query)
	if err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	f.mu.RLock()
	matches := make([]Match[K], 0, len(f.vectors))
	for id, v := range f.vectors {
		if filter != nil && !filter(id) {
			continue
		}
		d := floats.Distance(q, v, 2)
		matches = append(matches, Match[K]{ID: id, Distance: d * d})
	}
	f.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Len returns the number of stored vectors
func (f *Flat[K]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

// Dim returns the vector dimension
func (f *Flat[K]) Dim() int {
	return f.dim
}
