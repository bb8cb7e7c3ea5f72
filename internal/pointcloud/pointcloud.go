// Package pointcloud implements the dense-point-cloud post-processing
// operations: statistical outlier removal, voxel downsampling, normal
// estimation, and colormap assignment. Every operation returns a new
// cloud; none mutates its input.
package pointcloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Point is one record in a DensePointCloud: a position, and optionally a
// color and a unit normal.
type Point struct {
	Position   r3.Vector
	HasColor   bool
	R, G, B    uint8
	HasNormal  bool
	Normal     r3.Vector
}

// Cloud is an ordered sequence of dense point records.
type Cloud struct {
	Points []Point
}

// BoundingBox returns the cloud's axis-aligned bounding box. ok is false
// for an empty cloud.
func (c Cloud) BoundingBox() (min, max r3.Vector, ok bool) {
	if len(c.Points) == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	min, max = c.Points[0].Position, c.Points[0].Position
	for _, p := range c.Points[1:] {
		min = r3.Vector{X: math.Min(min.X, p.Position.X), Y: math.Min(min.Y, p.Position.Y), Z: math.Min(min.Z, p.Position.Z)}
		max = r3.Vector{X: math.Max(max.X, p.Position.X), Y: math.Max(max.Y, p.Position.Y), Z: math.Max(max.Z, p.Position.Z)}
	}
	return min, max, true
}

// neighborDistances returns, for each point, the distances to its k
// nearest neighbors by brute-force scan. This package operates on clouds
// small enough (post-fusion, pre-mesh) that an O(n^2) scan is acceptable;
// the octree (a separate component) is reserved for query-time spatial
// indexing of the final cloud.
func neighborDistances(points []Point, k int) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		ds := make([]float64, 0, len(points)-1)
		for j, q := range points {
			if i == j {
				continue
			}
			ds = append(ds, p.Position.Sub(q.Position).Norm())
		}
		sort.Float64s(ds)
		if len(ds) > k {
			ds = ds[:k]
		}
		out[i] = ds
	}
	return out
}

// StatisticalOutlierRemoval drops points whose mean distance to their k
// nearest neighbors exceeds global_mean + sigma*global_stddev.
func StatisticalOutlierRemoval(c Cloud, k int, sigma float64) Cloud {
	n := len(c.Points)
	if n == 0 {
		return Cloud{}
	}
	neighbors := neighborDistances(c.Points, k)
	meanDistPerPoint := make([]float64, n)
	for i, ds := range neighbors {
		if len(ds) == 0 {
			meanDistPerPoint[i] = 0
			continue
		}
		sum := 0.0
		for _, d := range ds {
			sum += d
		}
		meanDistPerPoint[i] = sum / float64(len(ds))
	}

	globalMean, globalStd := stat.MeanStdDev(meanDistPerPoint, nil)
	threshold := globalMean + sigma*globalStd

	kept := make([]Point, 0, n)
	for i, p := range c.Points {
		if meanDistPerPoint[i] <= threshold {
			kept = append(kept, p)
		}
	}
	return Cloud{Points: kept}
}

// voxelKey identifies one cube of edge voxelSize in the downsample grid.
type voxelKey struct{ x, y, z int64 }

func keyFor(pos r3.Vector, voxelSize float64) voxelKey {
	return voxelKey{
		x: int64(math.Floor(pos.X / voxelSize)),
		y: int64(math.Floor(pos.Y / voxelSize)),
		z: int64(math.Floor(pos.Z / voxelSize)),
	}
}

// VoxelDownsample partitions space into cubes of edge voxelSize and
// outputs one point per non-empty voxel: position is the mean of its
// inputs, color is the channel-wise mean rounded to nearest integer, and
// normal (if present) is the normalized sum. Voxels are emitted in the
// order their first contributing input point appeared, so ties in the
// grouping are broken deterministically by input order.
func VoxelDownsample(c Cloud, voxelSize float64) Cloud {
	if voxelSize <= 0 || len(c.Points) == 0 {
		return Cloud{Points: append([]Point(nil), c.Points...)}
	}

	type bucket struct {
		sumPos            r3.Vector
		sumR, sumG, sumB  float64
		colorCount        int
		sumNormal         r3.Vector
		normalCount       int
		count             int
		firstIndex        int
	}
	buckets := make(map[voxelKey]*bucket)
	var order []voxelKey

	for i, p := range c.Points {
		k := keyFor(p.Position, voxelSize)
		b, ok := buckets[k]
		if !ok {
			b = &bucket{firstIndex: i}
			buckets[k] = b
			order = append(order, k)
		}
		b.sumPos = b.sumPos.Add(p.Position)
		b.count++
		if p.HasColor {
			b.sumR += float64(p.R)
			b.sumG += float64(p.G)
			b.sumB += float64(p.B)
			b.colorCount++
		}
		if p.HasNormal {
			b.sumNormal = b.sumNormal.Add(p.Normal)
			b.normalCount++
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return buckets[order[i]].firstIndex < buckets[order[j]].firstIndex
	})

	out := make([]Point, 0, len(order))
	for _, k := range order {
		b := buckets[k]
		n := float64(b.count)
		pt := Point{Position: r3.Vector{X: b.sumPos.X / n, Y: b.sumPos.Y / n, Z: b.sumPos.Z / n}}
		if b.colorCount > 0 {
			pt.HasColor = true
			pt.R = uint8(math.Round(b.sumR / float64(b.colorCount)))
			pt.G = uint8(math.Round(b.sumG / float64(b.colorCount)))
			pt.B = uint8(math.Round(b.sumB / float64(b.colorCount)))
		}
		if b.normalCount > 0 {
			norm := b.sumNormal.Norm()
			if norm > 0 {
				pt.HasNormal = true
				pt.Normal = r3.Vector{X: b.sumNormal.X / norm, Y: b.sumNormal.Y / norm, Z: b.sumNormal.Z / norm}
			}
		}
		out = append(out, pt)
	}
	return Cloud{Points: out}
}

// EstimateNormals fits a least-squares plane to each point's k nearest
// neighbors; the normal is the eigenvector of smallest eigenvalue of the
// neighborhood's covariance matrix, oriented to face viewpoint.
func EstimateNormals(c Cloud, k int, viewpoint r3.Vector) Cloud {
	n := len(c.Points)
	out := make([]Point, n)
	copy(out, c.Points)
	if n == 0 {
		return Cloud{Points: out}
	}

	type indexed struct {
		idx int
		d   float64
	}
	for i, p := range c.Points {
		neighbors := make([]indexed, 0, n-1)
		for j, q := range c.Points {
			if i == j {
				continue
			}
			neighbors = append(neighbors, indexed{idx: j, d: p.Position.Sub(q.Position).Norm2()})
		}
		sort.Slice(neighbors, func(a, b int) bool { return neighbors[a].d < neighbors[b].d })
		if len(neighbors) > k {
			neighbors = neighbors[:k]
		}
		if len(neighbors) < 3 {
			continue // not enough neighbors to fit a plane; leave HasNormal false.
		}

		var centroid r3.Vector
		pts := make([]r3.Vector, 0, len(neighbors)+1)
		pts = append(pts, p.Position)
		for _, nb := range neighbors {
			pts = append(pts, c.Points[nb.idx].Position)
		}
		for _, v := range pts {
			centroid = centroid.Add(v)
		}
		centroid = r3.Vector{X: centroid.X / float64(len(pts)), Y: centroid.Y / float64(len(pts)), Z: centroid.Z / float64(len(pts))}

		var cov mat.SymDense
		cov.Reset()
		data := make([]float64, 9)
		for _, v := range pts {
			d := v.Sub(centroid)
			data[0] += d.X * d.X
			data[1] += d.X * d.Y
			data[2] += d.X * d.Z
			data[4] += d.Y * d.Y
			data[5] += d.Y * d.Z
			data[8] += d.Z * d.Z
		}
		m := float64(len(pts))
		covMat := mat.NewSymDense(3, []float64{
			data[0] / m, data[1] / m, data[2] / m,
			data[1] / m, data[4] / m, data[5] / m,
			data[2] / m, data[5] / m, data[8] / m,
		})

		var eig mat.EigenSym
		if !eig.Factorize(covMat, true) {
			continue
		}
		values := eig.Values(nil)
		var vectors mat.Dense
		eig.VectorsTo(&vectors)

		minIdx := 0
		for j := 1; j < len(values); j++ {
			if values[j] < values[minIdx] {
				minIdx = j
			}
		}
		normal := r3.Vector{X: vectors.At(0, minIdx), Y: vectors.At(1, minIdx), Z: vectors.At(2, minIdx)}
		if norm := normal.Norm(); norm > 0 {
			normal = r3.Vector{X: normal.X / norm, Y: normal.Y / norm, Z: normal.Z / norm}
		}

		toView := viewpoint.Sub(p.Position)
		if normal.Dot(toView) < 0 {
			normal = r3.Vector{X: -normal.X, Y: -normal.Y, Z: -normal.Z}
		}

		out[i].HasNormal = true
		out[i].Normal = normal
	}
	return Cloud{Points: out}
}

// Colormap is a closed enum of the scalar-to-color palettes this package
// implements.
type Colormap string

const (
	ColormapJet     Colormap = "jet"
	ColormapViridis Colormap = "viridis"
	ColormapHot     Colormap = "hot"
	ColormapPlasma  Colormap = "plasma"
)

// AssignColormap min-max normalizes scalars (one per point, same order as
// c.Points) and writes the result through cmap into each output point's
// color channel.
func AssignColormap(c Cloud, scalars []float64, cmap Colormap) Cloud {
	out := make([]Point, len(c.Points))
	copy(out, c.Points)
	if len(scalars) != len(c.Points) || len(scalars) == 0 {
		return Cloud{Points: out}
	}

	lo, hi := scalars[0], scalars[0]
	for _, v := range scalars {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	span := hi - lo

	paint := colormapFunc(cmap)
	for i := range out {
		t := 0.5
		if span > 0 {
			t = (scalars[i] - lo) / span
		}
		r, g, b := paint(t)
		out[i].HasColor = true
		out[i].R, out[i].G, out[i].B = r, g, b
	}
	return Cloud{Points: out}
}

func colormapFunc(cmap Colormap) func(t float64) (uint8, uint8, uint8) {
	switch cmap {
	case ColormapViridis:
		return viridis
	case ColormapHot:
		return hot
	case ColormapPlasma:
		return plasma
	default:
		return jet
	}
}

func clamp01(t float64) float64 {
	if t < 0 {
		return 0
	}
	if t > 1 {
		return 1
	}
	return t
}

func toByte(v float64) uint8 { return uint8(math.Round(clamp01(v) * 255)) }

func jet(t float64) (uint8, uint8, uint8) {
	t = clamp01(t)
	r := clamp01(1.5 - math.Abs(4*t-3))
	g := clamp01(1.5 - math.Abs(4*t-2))
	b := clamp01(1.5 - math.Abs(4*t-1))
	return toByte(r), toByte(g), toByte(b)
}

func hot(t float64) (uint8, uint8, uint8) {
	t = clamp01(t)
	r := clamp01(t * 3)
	g := clamp01(t*3 - 1)
	b := clamp01(t*3 - 2)
	return toByte(r), toByte(g), toByte(b)
}

// viridis and plasma use small polynomial approximations of matplotlib's
// palettes rather than full lookup tables; adequate for scalar overlays
// where exact perceptual matching is not required.
func viridis(t float64) (uint8, uint8, uint8) {
	t = clamp01(t)
	r := 0.267 + t*(0.005+t*0.33)
	g := 0.004 + t*(0.9-t*0.3)
	b := 0.329 + t*(0.4-t*0.73)
	return toByte(r), toByte(g), toByte(b)
}

func plasma(t float64) (uint8, uint8, uint8) {
	t = clamp01(t)
	r := 0.05 + t*(1.0-t*0.1)
	g := 0.03 + t*t*0.4
	b := 0.53 + t*(0.2-t*0.7)
	return toByte(r), toByte(g), toByte(b)
}

// MeshConverter is the explicit passthrough hook for mesh conversion: not
// implemented by this package, but callers may supply one backed by an
// external library or tool.
type MeshConverter func(c Cloud) (interface{}, error)
