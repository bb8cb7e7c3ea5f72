package pointcloud

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
)

func gridCloud(n int, spacing float64) Cloud {
	var pts []Point
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			pts = append(pts, Point{Position: r3.Vector{X: float64(x) * spacing, Y: float64(y) * spacing, Z: 0}})
		}
	}
	return Cloud{Points: pts}
}

func TestStatisticalOutlierRemovalDropsFarPoint(t *testing.T) {
	c := gridCloud(5, 1.0)
	c.Points = append(c.Points, Point{Position: r3.Vector{X: 1000, Y: 1000, Z: 1000}})

	out := StatisticalOutlierRemoval(c, 4, 2.0)
	for _, p := range out.Points {
		if p.Position.X == 1000 {
			t.Fatal("expected the far outlier point to be removed")
		}
	}
	if len(out.Points) != len(c.Points)-1 {
		t.Errorf("got %d points, want %d", len(out.Points), len(c.Points)-1)
	}
}

func TestStatisticalOutlierRemovalEmptyCloud(t *testing.T) {
	out := StatisticalOutlierRemoval(Cloud{}, 20, 2.0)
	if len(out.Points) != 0 {
		t.Errorf("expected empty result, got %d points", len(out.Points))
	}
}

func TestVoxelDownsampleMergesWithinOneVoxel(t *testing.T) {
	c := Cloud{Points: []Point{
		{Position: r3.Vector{X: 0, Y: 0, Z: 0}, HasColor: true, R: 100, G: 100, B: 100},
		{Position: r3.Vector{X: 0.01, Y: 0.01, Z: 0.01}, HasColor: true, R: 200, G: 200, B: 200},
		{Position: r3.Vector{X: 5, Y: 5, Z: 5}, HasColor: true, R: 50, G: 50, B: 50},
	}}
	out := VoxelDownsample(c, 1.0)
	if len(out.Points) != 2 {
		t.Fatalf("got %d voxels, want 2", len(out.Points))
	}
	first := out.Points[0]
	if first.R != 150 {
		t.Errorf("merged voxel color R = %d, want 150 (mean of 100,200)", first.R)
	}
}

func TestVoxelDownsampleDeterministicOrder(t *testing.T) {
	c := gridCloud(4, 2.0)
	out1 := VoxelDownsample(c, 1.0)
	out2 := VoxelDownsample(c, 1.0)
	if len(out1.Points) != len(out2.Points) {
		t.Fatal("expected stable output length across repeated calls")
	}
	for i := range out1.Points {
		if out1.Points[i].Position != out2.Points[i].Position {
			t.Errorf("voxel %d order differs between runs", i)
		}
	}
}

func TestEstimateNormalsOnFlatPlaneFacesViewpoint(t *testing.T) {
	c := gridCloud(5, 1.0) // all z=0, a flat plane in XY.
	viewpoint := r3.Vector{X: 2, Y: 2, Z: 10}
	out := EstimateNormals(c, 8, viewpoint)

	for _, p := range out.Points {
		if !p.HasNormal {
			continue
		}
		if math.Abs(p.Normal.X) > 0.2 || math.Abs(p.Normal.Y) > 0.2 {
			t.Errorf("expected near-vertical normal on flat XY plane, got %+v", p.Normal)
		}
		if p.Normal.Z < 0 {
			t.Errorf("expected normal oriented toward viewpoint (positive Z), got %+v", p.Normal)
		}
	}
}

func TestAssignColormapNormalizesAndWritesColor(t *testing.T) {
	c := Cloud{Points: []Point{{}, {}, {}}}
	scalars := []float64{0, 5, 10}
	out := AssignColormap(c, scalars, ColormapJet)
	for _, p := range out.Points {
		if !p.HasColor {
			t.Error("expected AssignColormap to set HasColor")
		}
	}
}

func TestAssignColormapMismatchedLengthIsNoop(t *testing.T) {
	c := Cloud{Points: []Point{{}, {}}}
	out := AssignColormap(c, []float64{1}, ColormapViridis)
	for _, p := range out.Points {
		if p.HasColor {
			t.Error("expected no color assignment on length mismatch")
		}
	}
}

func TestBoundingBoxEmptyCloud(t *testing.T) {
	_, _, ok := Cloud{}.BoundingBox()
	if ok {
		t.Fatal("expected ok=false for empty cloud")
	}
}

func TestBoundingBoxNonEmpty(t *testing.T) {
	c := Cloud{Points: []Point{
		{Position: r3.Vector{X: -1, Y: 0, Z: 2}},
		{Position: r3.Vector{X: 3, Y: -4, Z: 5}},
	}}
	min, max, ok := c.BoundingBox()
	if !ok {
		t.Fatal("expected ok=true")
	}
	if min != (r3.Vector{X: -1, Y: -4, Z: 2}) || max != (r3.Vector{X: 3, Y: 0, Z: 5}) {
		t.Errorf("got min=%+v max=%+v", min, max)
	}
}
