// Package octree implements a static spatial index over a dense point
// cloud, supporting sphere, nearest-neighbor, and ray-pick queries.
package octree

import (
	"container/heap"
	"math"

	"github.com/golang/geo/r3"
)

// DefaultMaxPointsPerLeaf is N: a node holding at most this many points
// becomes a leaf rather than splitting further.
const DefaultMaxPointsPerLeaf = 100

// DefaultMaxDepth is D: the deepest a node may split to.
const DefaultMaxDepth = 8

// boundsExpansion is the fractional padding applied to the cloud's
// bounding box before the root node is built.
const boundsExpansion = 0.01

// Node is one node of the tree: either a leaf holding point indices, or an
// internal node with exactly eight children.
type Node struct {
	Min, Max r3.Vector
	Indices  []int // non-nil only on leaves.
	Children [8]*Node
}

func (n *Node) isLeaf() bool { return n.Children[0] == nil }

// Options configures a Build call; the zero value selects the defaults.
type Options struct {
	MaxPointsPerLeaf int
	MaxDepth         int
}

func (o Options) resolved() Options {
	if o.MaxPointsPerLeaf <= 0 {
		o.MaxPointsPerLeaf = DefaultMaxPointsPerLeaf
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	return o
}

// Octree indexes a fixed slice of points; it holds only indices into that
// slice, never copies of the points themselves.
type Octree struct {
	Points []r3.Vector
	Root   *Node
}

// Build constructs an Octree over points using opts (or the defaults if
// opts is the zero value). Building an empty slice returns an Octree whose
// Root covers a degenerate (zero-size) box and holds no points.
func Build(points []r3.Vector, opts Options) *Octree {
	opts = opts.resolved()
	if len(points) == 0 {
		return &Octree{Points: points, Root: &Node{Indices: nil}}
	}

	min, max := points[0], points[0]
	for _, p := range points[1:] {
		min = r3.Vector{X: math.Min(min.X, p.X), Y: math.Min(min.Y, p.Y), Z: math.Min(min.Z, p.Z)}
		max = r3.Vector{X: math.Max(max.X, p.X), Y: math.Max(max.Y, p.Y), Z: math.Max(max.Z, p.Z)}
	}
	extent := max.Sub(min)
	pad := r3.Vector{X: extent.X * boundsExpansion, Y: extent.Y * boundsExpansion, Z: extent.Z * boundsExpansion}
	min, max = min.Sub(pad), max.Add(pad)

	indices := make([]int, len(points))
	for i := range indices {
		indices[i] = i
	}

	root := buildNode(points, indices, min, max, 0, opts)
	return &Octree{Points: points, Root: root}
}

func buildNode(points []r3.Vector, indices []int, min, max r3.Vector, depth int, opts Options) *Node {
	if len(indices) <= opts.MaxPointsPerLeaf || depth >= opts.MaxDepth {
		return &Node{Min: min, Max: max, Indices: indices}
	}

	center := r3.Vector{X: (min.X + max.X) / 2, Y: (min.Y + max.Y) / 2, Z: (min.Z + max.Z) / 2}
	var buckets [8][]int
	for _, idx := range indices {
		buckets[octant(points[idx], center)] = append(buckets[octant(points[idx], center)], idx)
	}

	node := &Node{Min: min, Max: max}
	for o := 0; o < 8; o++ {
		childMin, childMax := octantBounds(min, max, center, o)
		node.Children[o] = buildNode(points, buckets[o], childMin, childMax, depth+1, opts)
	}
	return node
}

// octant returns which of the 8 octants p falls into relative to center.
// A point exactly on a split plane (p == center on that axis) goes to the
// lower-index child, i.e. the bit is set only when p is strictly greater.
func octant(p, center r3.Vector) int {
	o := 0
	if p.X > center.X {
		o |= 1
	}
	if p.Y > center.Y {
		o |= 2
	}
	if p.Z > center.Z {
		o |= 4
	}
	return o
}

func octantBounds(min, max, center r3.Vector, o int) (r3.Vector, r3.Vector) {
	childMin, childMax := min, max
	if o&1 != 0 {
		childMin.X = center.X
	} else {
		childMax.X = center.X
	}
	if o&2 != 0 {
		childMin.Y = center.Y
	} else {
		childMax.Y = center.Y
	}
	if o&4 != 0 {
		childMin.Z = center.Z
	} else {
		childMax.Z = center.Z
	}
	return childMin, childMax
}

func sqDistToBox(p, min, max r3.Vector) float64 {
	d := 0.0
	for _, axis := range []struct{ v, lo, hi float64 }{
		{p.X, min.X, max.X}, {p.Y, min.Y, max.Y}, {p.Z, min.Z, max.Z},
	} {
		if axis.v < axis.lo {
			d += (axis.lo - axis.v) * (axis.lo - axis.v)
		} else if axis.v > axis.hi {
			d += (axis.v - axis.hi) * (axis.v - axis.hi)
		}
	}
	return d
}

func boxDisjointFromSphere(min, max, center r3.Vector, radius float64) bool {
	return sqDistToBox(center, min, max) > radius*radius
}

// QuerySphere returns the indices of every point lying within radius of
// center. An empty tree returns an empty slice.
func (t *Octree) QuerySphere(center r3.Vector, radius float64) []int {
	var out []int
	if t.Root == nil {
		return out
	}
	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if boxDisjointFromSphere(n.Min, n.Max, center, radius) {
			return
		}
		if n.isLeaf() {
			rSq := radius * radius
			for _, idx := range n.Indices {
				if t.Points[idx].Sub(center).Norm2() <= rSq {
					out = append(out, idx)
				}
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)
	return out
}

// NeighborResult is one entry of a Nearest query result.
type NeighborResult struct {
	Index     int
	SqDistance float64
}

// maxHeap is a bounded max-heap on SqDistance, used to maintain the
// current k-nearest candidates during a best-first traversal.
type maxHeap []NeighborResult

func (h maxHeap) Len() int { return len(h) }

// Less ranks strictly farther points first; among equal distances it ranks
// the higher index first, so the heap root is always the entry Nearest
// should evict first to keep ties broken by ascending index.
func (h maxHeap) Less(i, j int) bool {
	if h[i].SqDistance != h[j].SqDistance {
		return h[i].SqDistance > h[j].SqDistance
	}
	return h[i].Index > h[j].Index
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(NeighborResult)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Nearest returns up to k points nearest to point, sorted by increasing
// squared distance, using a bounded max-heap and node pruning.
func (t *Octree) Nearest(point r3.Vector, k int) []NeighborResult {
	if t.Root == nil || k <= 0 {
		return nil
	}
	h := &maxHeap{}
	heap.Init(h)

	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil {
			return
		}
		if h.Len() == k && sqDistToBox(point, n.Min, n.Max) > (*h)[0].SqDistance {
			return
		}
		if n.isLeaf() {
			for _, idx := range n.Indices {
				d := t.Points[idx].Sub(point).Norm2()
				if h.Len() < k {
					heap.Push(h, NeighborResult{Index: idx, SqDistance: d})
				} else if d < (*h)[0].SqDistance || (d == (*h)[0].SqDistance && idx < (*h)[0].Index) {
					heap.Pop(h)
					heap.Push(h, NeighborResult{Index: idx, SqDistance: d})
				}
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)

	out := make([]NeighborResult, h.Len())
	copy(out, *h)
	less := func(a, b NeighborResult) bool {
		if a.SqDistance != b.SqDistance {
			return a.SqDistance < b.SqDistance
		}
		return a.Index < b.Index
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && less(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// RayPick intersects the ray (origin, direction) against the tree,
// returning the index of the point with the smallest perpendicular
// distance to the ray among those within screenTolerance, preferring the
// point nearest along the ray (closest to origin) to break ties. ok is
// false if no point qualifies.
func (t *Octree) RayPick(origin, direction r3.Vector, screenTolerance float64) (index int, ok bool) {
	if t.Root == nil {
		return 0, false
	}
	dir := direction.Normalize()

	bestIdx := -1
	bestPerp := math.Inf(1)
	bestAlong := math.Inf(1)

	var walk func(n *Node)
	walk = func(n *Node) {
		if n == nil || !rayIntersectsBox(origin, dir, n.Min, n.Max) {
			return
		}
		if n.isLeaf() {
			for _, idx := range n.Indices {
				toPoint := t.Points[idx].Sub(origin)
				along := toPoint.Dot(dir)
				closest := origin.Add(dir.Mul(along))
				perp := t.Points[idx].Sub(closest).Norm()
				if perp > screenTolerance {
					continue
				}
				if perp < bestPerp || (perp == bestPerp && along < bestAlong) {
					bestIdx, bestPerp, bestAlong = idx, perp, along
				}
			}
			return
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(t.Root)

	if bestIdx < 0 {
		return 0, false
	}
	return bestIdx, true
}

// rayIntersectsBox is a slab-method ray/AABB intersection test.
func rayIntersectsBox(origin, dir, min, max r3.Vector) bool {
	tmin, tmax := math.Inf(-1), math.Inf(1)
	axes := []struct{ o, d, lo, hi float64 }{
		{origin.X, dir.X, min.X, max.X},
		{origin.Y, dir.Y, min.Y, max.Y},
		{origin.Z, dir.Z, min.Z, max.Z},
	}
	for _, a := range axes {
		if a.d == 0 {
			if a.o < a.lo || a.o > a.hi {
				return false
			}
			continue
		}
		t1 := (a.lo - a.o) / a.d
		t2 := (a.hi - a.o) / a.d
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return false
		}
	}
	return tmax >= 0
}
