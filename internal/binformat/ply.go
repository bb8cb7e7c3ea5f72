package binformat

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// PLYPoint is one vertex record in a PLY point cloud: position, and
// optionally color and a unit normal.
type PLYPoint struct {
	Position  r3.Vector
	HasColor  bool
	R, G, B   uint8
	HasNormal bool
	Normal    r3.Vector
}

// PLYCloud is an ordered sequence of PLY vertex records.
type PLYCloud struct {
	Points []PLYPoint
}

// plyProperty describes one vertex property as laid out on the wire.
type plyProperty struct {
	name string
	kind string // "float"/"float32" or "uchar"/"uint8"
}

var standardProperties = []plyProperty{
	{"x", "float"}, {"y", "float"}, {"z", "float"},
	{"nx", "float"}, {"ny", "float"}, {"nz", "float"},
	{"red", "uchar"}, {"green", "uchar"}, {"blue", "uchar"},
}

// WritePLY emits an ASCII-header, binary-little-endian-body PLY file.
// Color and normal blocks are included only if at least one point carries
// them, matching what a reader tolerant of absent blocks expects.
func WritePLY(path string, cloud PLYCloud) error {
	hasColor, hasNormal := false, false
	for _, p := range cloud.Points {
		hasColor = hasColor || p.HasColor
		hasNormal = hasNormal || p.HasNormal
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "ply")
	fmt.Fprintln(w, "format binary_little_endian 1.0")
	fmt.Fprintf(w, "element vertex %d\n", len(cloud.Points))
	fmt.Fprintln(w, "property float x")
	fmt.Fprintln(w, "property float y")
	fmt.Fprintln(w, "property float z")
	if hasNormal {
		fmt.Fprintln(w, "property float nx")
		fmt.Fprintln(w, "property float ny")
		fmt.Fprintln(w, "property float nz")
	}
	if hasColor {
		fmt.Fprintln(w, "property uchar red")
		fmt.Fprintln(w, "property uchar green")
		fmt.Fprintln(w, "property uchar blue")
	}
	fmt.Fprintln(w, "end_header")

	for _, p := range cloud.Points {
		for _, v := range []float32{float32(p.Position.X), float32(p.Position.Y), float32(p.Position.Z)} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if hasNormal {
			for _, v := range []float32{float32(p.Normal.X), float32(p.Normal.Y), float32(p.Normal.Z)} {
				if err := binary.Write(w, binary.LittleEndian, v); err != nil {
					return err
				}
			}
		}
		if hasColor {
			for _, v := range []uint8{p.R, p.G, p.B} {
				if err := binary.Write(w, binary.LittleEndian, v); err != nil {
					return err
				}
			}
		}
	}
	return w.Flush()
}

// ReadPLY parses a binary-little-endian PLY file, tolerating the absence
// of color or normal property blocks.
func ReadPLY(path string) (PLYCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return PLYCloud{}, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count, props, err := parsePLYHeader(r, path)
	if err != nil {
		return PLYCloud{}, err
	}

	hasNormal := hasProps(props, "nx", "ny", "nz")
	hasColor := hasProps(props, "red", "green", "blue")

	cloud := PLYCloud{Points: make([]PLYPoint, 0, count)}
	for i := uint64(0); i < count; i++ {
		var pt PLYPoint
		values := make(map[string]float64, len(props))
		for _, prop := range props {
			v, err := readPLYScalar(r, prop.kind)
			if err != nil {
				return PLYCloud{}, wrapEOF(path, err)
			}
			values[prop.name] = v
		}
		pt.Position = r3.Vector{X: values["x"], Y: values["y"], Z: values["z"]}
		if hasNormal {
			pt.HasNormal = true
			pt.Normal = r3.Vector{X: values["nx"], Y: values["ny"], Z: values["nz"]}
		}
		if hasColor {
			pt.HasColor = true
			pt.R, pt.G, pt.B = uint8(values["red"]), uint8(values["green"]), uint8(values["blue"])
		}
		cloud.Points = append(cloud.Points, pt)
	}
	return cloud, nil
}

func readPLYScalar(r *bufio.Reader, kind string) (float64, error) {
	switch kind {
	case "float", "float32":
		var v float32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return float64(v), nil
	case "uchar", "uint8":
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, err
		}
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unsupported PLY property type %q", kind)
	}
}

func hasProps(props []plyProperty, names ...string) bool {
	found := make(map[string]bool, len(props))
	for _, p := range props {
		found[p.name] = true
	}
	for _, n := range names {
		if !found[n] {
			return false
		}
	}
	return true
}

func parsePLYHeader(r *bufio.Reader, path string) (uint64, []plyProperty, error) {
	line, err := r.ReadString('\n')
	if err != nil || strings.TrimSpace(line) != "ply" {
		return 0, nil, malformed(path, "missing ply magic")
	}

	var count uint64
	var props []plyProperty
	sawFormat := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return 0, nil, malformed(path, "unterminated header")
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "comment":
			continue
		case "format":
			if len(fields) < 2 || !strings.HasPrefix(fields[1], "binary_little_endian") {
				return 0, nil, malformed(path, "unsupported PLY format, want binary_little_endian")
			}
			sawFormat = true
		case "element":
			if len(fields) >= 3 && fields[1] == "vertex" {
				n, err := strconv.ParseUint(fields[2], 10, 64)
				if err != nil {
					return 0, nil, malformed(path, "invalid vertex count")
				}
				count = n
			}
		case "property":
			if len(fields) >= 3 {
				props = append(props, plyProperty{name: fields[2], kind: fields[1]})
			}
		case "end_header":
			if !sawFormat {
				return 0, nil, malformed(path, "missing format line")
			}
			return count, props, nil
		}
	}
}

// BoundingBox returns the axis-aligned bounding box of cloud, expanded by
// frac on every side (frac=0.01 for the canonical 1% octree-build margin).
// Returns (zero, zero, false) for an empty cloud.
func (c PLYCloud) BoundingBox(frac float64) (min, max r3.Vector, ok bool) {
	if len(c.Points) == 0 {
		return r3.Vector{}, r3.Vector{}, false
	}
	min, max = c.Points[0].Position, c.Points[0].Position
	for _, p := range c.Points[1:] {
		min = r3.Vector{X: minF(min.X, p.Position.X), Y: minF(min.Y, p.Position.Y), Z: minF(min.Z, p.Position.Z)}
		max = r3.Vector{X: maxF(max.X, p.Position.X), Y: maxF(max.Y, p.Position.Y), Z: maxF(max.Z, p.Position.Z)}
	}
	extent := max.Sub(min)
	pad := r3.Vector{X: extent.X * frac, Y: extent.Y * frac, Z: extent.Z * frac}
	return min.Sub(pad), max.Add(pad), true
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
