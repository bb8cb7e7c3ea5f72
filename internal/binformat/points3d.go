package binformat

import (
	"bufio"
	"encoding/binary"
	"os"
	"sort"

	"github.com/golang/geo/r3"
)

// WritePoints3D serializes pts to path: u64 count, then per point (u64 id,
// f64 x,y,z, u8 r,g,b, f64 error, u64 track-length, then track-length
// tuples of (u32 image-id, u32 obs-index)).
func WritePoints3D(path string, pts map[uint64]Point3D) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(pts))); err != nil {
		return err
	}
	for _, id := range sortedPointIDs(pts) {
		pt := pts[id]
		if err := binary.Write(w, binary.LittleEndian, pt.ID); err != nil {
			return err
		}
		for _, v := range []float64{pt.Position.X, pt.Position.Y, pt.Position.Z} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		for _, v := range []uint8{pt.R, pt.G, pt.B} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if err := binary.Write(w, binary.LittleEndian, pt.Error); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(pt.Track))); err != nil {
			return err
		}
		for _, te := range pt.Track {
			if err := binary.Write(w, binary.LittleEndian, te.ImageID); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, te.ObsIdx); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// ReadPoints3D parses the points3D file at path.
func ReadPoints3D(path string) (map[uint64]Point3D, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var count uint64
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, wrapEOF(path, err)
	}
	if count > maxReasonableCount {
		return nil, malformed(path, "implausible point count")
	}

	pts := make(map[uint64]Point3D, count)
	for i := uint64(0); i < count; i++ {
		var pt Point3D
		if err := binary.Read(r, binary.LittleEndian, &pt.ID); err != nil {
			return nil, wrapEOF(path, err)
		}
		var x, y, z float64
		for _, dst := range []*float64{&x, &y, &z} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, wrapEOF(path, err)
			}
		}
		pt.Position = r3.Vector{X: x, Y: y, Z: z}
		for _, dst := range []*uint8{&pt.R, &pt.G, &pt.B} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, wrapEOF(path, err)
			}
		}
		if err := binary.Read(r, binary.LittleEndian, &pt.Error); err != nil {
			return nil, wrapEOF(path, err)
		}
		var trackLen uint64
		if err := binary.Read(r, binary.LittleEndian, &trackLen); err != nil {
			return nil, wrapEOF(path, err)
		}
		if trackLen > maxReasonableCount {
			return nil, malformed(path, "implausible track length")
		}
		pt.Track = make([]TrackEntry, trackLen)
		for j := uint64(0); j < trackLen; j++ {
			var te TrackEntry
			if err := binary.Read(r, binary.LittleEndian, &te.ImageID); err != nil {
				return nil, wrapEOF(path, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &te.ObsIdx); err != nil {
				return nil, wrapEOF(path, err)
			}
			pt.Track[j] = te
		}
		pts[pt.ID] = pt
	}
	return pts, nil
}

func sortedPointIDs(pts map[uint64]Point3D) []uint64 {
	ids := make([]uint64, 0, len(pts))
	for id := range pts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
