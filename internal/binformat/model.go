// Package binformat reads and writes the external photogrammetry
// toolchain's binary model files (cameras/images/points3D) and the PLY
// point-cloud format. It is the only package that understands those wire
// formats; everything else in the repo consumes the neutral Reconstruction
// type defined here.
package binformat

import (
	"fmt"

	"github.com/golang/geo/r3"
)

// CameraModelKind is a closed enum of intrinsic camera models, matching the
// external toolchain's fixed model-kind table.
type CameraModelKind uint32

const (
	PINHOLE CameraModelKind = iota
	SIMPLE_PINHOLE
	SIMPLE_RADIAL
	RADIAL
	OPENCV
	OPENCV_FISHEYE
	FULL_OPENCV
)

// paramCounts is the fixed table mapping model kind to its parameter vector
// length. Order of enumeration matches spec: PINHOLE=4, SIMPLE_PINHOLE=3,
// OPENCV=8.
var paramCounts = map[CameraModelKind]int{
	PINHOLE:        4,
	SIMPLE_PINHOLE: 3,
	SIMPLE_RADIAL:  4,
	RADIAL:         5,
	OPENCV:         8,
	OPENCV_FISHEYE: 8,
	FULL_OPENCV:    12,
}

// ParamCount returns the number of intrinsic parameters for kind, and false
// if kind is not a recognized camera model.
func ParamCount(kind CameraModelKind) (int, bool) {
	n, ok := paramCounts[kind]
	return n, ok
}

// CameraModel is a reconstruction's intrinsic parameters for one camera,
// shared by zero or more ImagePoses.
type CameraModel struct {
	ID     uint32
	Kind   CameraModelKind
	Width  uint64
	Height uint64
	Params []float64
}

// NoPoint3D is the sentinel Point3DID value denoting "no correspondence"
// for a 2D observation.
const NoPoint3D int64 = -1

// Observation pairs a 2D pixel coordinate with either a Point3D id or
// NoPoint3D.
type Observation struct {
	X, Y      float64
	Point3DID int64
}

// HasCorrespondence reports whether the observation references a 3D point.
func (o Observation) HasCorrespondence() bool { return o.Point3DID != NoPoint3D }

// ImagePose is one reconstructed camera pose: extrinsics, the image it was
// taken from, the CameraModel it was shot with, and its 2D observations.
type ImagePose struct {
	ID           uint32
	QW, QX, QY, QZ float64
	TX, TY, TZ     float64
	CameraID     uint32
	Name         string
	Observations []Observation
}

// TrackEntry is one (image, observation-index) pair in a Point3D's track.
type TrackEntry struct {
	ImageID uint32
	ObsIdx  uint32
}

// Point3D is a triangulated 3D point with color, reprojection error, and a
// track of the observations that produced it. A well-formed Point3D has a
// track of length >= 2.
type Point3D struct {
	ID       uint64
	Position r3.Vector
	R, G, B  uint8
	Error    float64
	Track    []TrackEntry
}

// Reconstruction is a self-consistent set of cameras, poses, and points:
// every ImagePose.CameraID resolves to a CameraModel, every Observation
// with a correspondence resolves to a Point3D, and every Point3D's track
// entries resolve to an ImagePose and one of its Observations.
type Reconstruction struct {
	Cameras map[uint32]CameraModel
	Images  map[uint32]ImagePose
	Points  map[uint64]Point3D
}

// NewReconstruction returns an empty Reconstruction.
func NewReconstruction() *Reconstruction {
	return &Reconstruction{
		Cameras: make(map[uint32]CameraModel),
		Images:  make(map[uint32]ImagePose),
		Points:  make(map[uint64]Point3D),
	}
}

// Validate checks cross-referential integrity: every image's camera id
// resolves, every correspondence-bearing observation resolves to a point,
// and every point's track entries resolve to an image and observation
// index.
func (r *Reconstruction) Validate() error {
	for imgID, img := range r.Images {
		if _, ok := r.Cameras[img.CameraID]; !ok {
			return fmt.Errorf("image %d references unknown camera %d", imgID, img.CameraID)
		}
		for i, obs := range img.Observations {
			if obs.HasCorrespondence() {
				if _, ok := r.Points[uint64(obs.Point3DID)]; !ok {
					return fmt.Errorf("image %d observation %d references unknown point %d", imgID, i, obs.Point3DID)
				}
			}
		}
	}
	for ptID, pt := range r.Points {
		if len(pt.Track) < 2 {
			return fmt.Errorf("point %d has track length %d, want >= 2", ptID, len(pt.Track))
		}
		for _, te := range pt.Track {
			img, ok := r.Images[te.ImageID]
			if !ok {
				return fmt.Errorf("point %d track references unknown image %d", ptID, te.ImageID)
			}
			if int(te.ObsIdx) >= len(img.Observations) {
				return fmt.Errorf("point %d track references out-of-range observation %d on image %d", ptID, te.ObsIdx, te.ImageID)
			}
		}
	}
	return nil
}

// NumPoints3D returns the point cardinality, used to pick the canonical
// reconstruction among several the toolchain may emit.
func (r *Reconstruction) NumPoints3D() int { return len(r.Points) }
