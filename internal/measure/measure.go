// Package measure implements per-scan scale calibration and Euclidean
// distance measurement against a reconstruction's coordinate space.
package measure

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
)

// Unit is a closed enum of the real-world units a Calibration may target.
type Unit string

const (
	Meters      Unit = "m"
	Centimeters Unit = "cm"
	Millimeters Unit = "mm"
)

func (u Unit) valid() bool {
	switch u {
	case Meters, Centimeters, Millimeters:
		return true
	}
	return false
}

// minReferenceDistance is the reconstruction-space separation of the two
// picked points at or below which Calibrate rejects the pair as degenerate;
// below this, rounding in the picked points dominates the derived scale
// factor.
const minReferenceDistance = 1e-9

// ErrDegenerateReferenceDistance is returned when the two picked points
// coincide (or nearly so) in reconstruction space, making the scale factor
// unstable.
var ErrDegenerateReferenceDistance = errors.New("picked points are too close to derive a stable scale factor")

// ErrInvalidKnownDistance is returned when the supplied real-world
// reference distance is not a positive, finite number.
var ErrInvalidKnownDistance = errors.New("known distance must be a positive, finite number")

// ErrInvalidUnit is returned for any unit string other than m/cm/mm.
var ErrInvalidUnit = errors.New("invalid unit")

// Calibration is a scan's scale calibration: a positive scale factor
// (real-world units per reconstruction unit), the unit it targets, and the
// two picked points plus the known distance that produced it.
type Calibration struct {
	ScaleFactor    float64
	Unit           Unit
	P1, P2         r3.Vector
	KnownDistance  float64
}

// Measurement is one immutable distance query against a Calibration: raw
// reconstruction-space distance, the scaled real-world distance, the unit,
// and a human label. The scale factor is captured at creation time, so a
// later re-calibration never retroactively changes an existing Measurement.
type Measurement struct {
	P1, P2   r3.Vector
	RawDistance float64
	ScaledDistance float64
	Unit     Unit
	Label    string
}

// Calibrate derives a Calibration from two reconstruction-space points and
// the real-world distance they are known to span.
func Calibrate(p1, p2 r3.Vector, knownDistance float64, unit Unit) (Calibration, error) {
	if !unit.valid() {
		return Calibration{}, ErrInvalidUnit
	}
	if knownDistance <= 0 || isNonFinite(knownDistance) {
		return Calibration{}, ErrInvalidKnownDistance
	}
	raw := p1.Sub(p2).Norm()
	if raw <= minReferenceDistance {
		return Calibration{}, ErrDegenerateReferenceDistance
	}
	return Calibration{
		ScaleFactor:   knownDistance / raw,
		Unit:          unit,
		P1:            p1,
		P2:            p2,
		KnownDistance: knownDistance,
	}, nil
}

// Measure computes the distance between p1 and p2 under cal, returning an
// immutable Measurement that freezes cal's current scale factor.
func Measure(cal Calibration, p1, p2 r3.Vector, label string) Measurement {
	raw := p1.Sub(p2).Norm()
	return Measurement{
		P1: p1, P2: p2,
		RawDistance:    raw,
		ScaledDistance: raw * cal.ScaleFactor,
		Unit:           cal.Unit,
		Label:          label,
	}
}

func isNonFinite(f float64) bool {
	return math.IsNaN(f) || math.IsInf(f, 0)
}

// Store holds at most one Calibration per scan id, replacing it atomically
// on re-calibration. It is the owning record referenced by spec.md's
// "a scan has zero or one Calibration" invariant.
type Store struct {
	calibrations map[string]Calibration
}

// NewStore returns an empty calibration store.
func NewStore() *Store {
	return &Store{calibrations: make(map[string]Calibration)}
}

// Set atomically replaces scanID's calibration.
func (s *Store) Set(scanID string, cal Calibration) {
	s.calibrations[scanID] = cal
}

// Get returns scanID's current calibration, if any.
func (s *Store) Get(scanID string) (Calibration, bool) {
	cal, ok := s.calibrations[scanID]
	return cal, ok
}

// Clear removes scanID's calibration.
func (s *Store) Clear(scanID string) {
	delete(s.calibrations, scanID)
}

// ErrNoCalibration is returned by MeasureFor when scanID has no
// calibration on record.
var ErrNoCalibration = errors.New("no calibration for scan")

// MeasureFor looks up scanID's calibration and measures p1/p2 against it.
func (s *Store) MeasureFor(scanID string, p1, p2 r3.Vector, label string) (Measurement, error) {
	cal, ok := s.Get(scanID)
	if !ok {
		return Measurement{}, fmt.Errorf("%w: %s", ErrNoCalibration, scanID)
	}
	return Measure(cal, p1, p2, label), nil
}
