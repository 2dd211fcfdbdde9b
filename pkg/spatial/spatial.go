package spatial

import (
	"sync"

	"github.com/tidwall/rtree"
)

// KmPerDegree approximates great-circle kilometres per degree of latitude.
// Radius arguments arrive in kilometres and are compared in coordinate
// space after this conversion; good enough at city scale, increasingly
// coarse toward the poles.
const KmPerDegree = 111.0

// Point is a geotagged node reference.
type Point struct {
	ID  uint32
	Lat float32
	Lon float32
}

// Index is an R-tree over 2D points. Reads run under a shared lock; bulk
// rebuilds swap in a fresh tree under the exclusive lock, which is how
// batch ingest avoids death by a thousand incremental inserts.
type Index struct {
	mu   sync.RWMutex
	tree rtree.RTreeG[Point]
}

// New returns an empty index.
func New() *Index {
	return &Index{}
}

// Insert adds one point incrementally (single-write path).
func (s *Index) Insert(p Point) {
	pt := [2]float64{float64(p.Lat), float64(p.Lon)}
	s.mu.Lock()
	s.tree.Insert(pt, pt, p)
	s.mu.Unlock()
}

// Remove deletes a point. The stored value must match exactly.
func (s *Index) Remove(p Point) {
	pt := [2]float64{float64(p.Lat), float64(p.Lon)}
	s.mu.Lock()
	s.tree.Delete(pt, pt, p)
	s.mu.Unlock()
}

// WithinRadiusKm returns the IDs of all points within radiusKm of
// (lat, lon), by bounding-box search plus exact squared-distance filter.
func (s *Index) WithinRadiusKm(lat, lon, radiusKm float32) []uint32 {
	r := float64(radiusKm) / KmPerDegree
	rsq := r * r
	minP := [2]float64{float64(lat) - r, float64(lon) - r}
	maxP := [2]float64{float64(lat) + r, float64(lon) + r}

	var out []uint32
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.tree.Search(minP, maxP, func(_, _ [2]float64, p Point) bool {
		dx := float64(p.Lat - lat)
		dy := float64(p.Lon - lon)
		if dx*dx+dy*dy <= rsq {
			out = append(out, p.ID)
		}
		return true
	})
	return out
}

// All returns every indexed point. Used to union existing points into a
// bulk rebuild.
func (s *Index) All() []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, 0, s.tree.Len())
	s.tree.Scan(func(_, _ [2]float64, p Point) bool {
		out = append(out, p)
		return true
	})
	return out
}

// BulkLoad replaces the tree with one built from points in a single step.
func (s *Index) BulkLoad(points []Point) {
	var fresh rtree.RTreeG[Point]
	for _, p := range points {
		pt := [2]float64{float64(p.Lat), float64(p.Lon)}
		fresh.Insert(pt, pt, p)
	}
	s.mu.Lock()
	s.tree = fresh
	s.mu.Unlock()
}

// Len returns the number of indexed points.
func (s *Index) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}
