package binformat

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"os"
	"sort"
)

// WriteImages serializes poses to path: u64 count, then per image (u32 id,
// f64 qw,qx,qy,qz, f64 tx,ty,tz, u32 camera-id, NUL-terminated name, u64
// point-count, then point-count tuples of (f64 x, f64 y, s64 point3d-id)).
func WriteImages(path string, poses map[uint32]ImagePose) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(poses))); err != nil {
		return err
	}
	for _, id := range sortedImageIDs(poses) {
		p := poses[id]
		for _, v := range []any{p.ID, p.QW, p.QX, p.QY, p.QZ, p.TX, p.TY, p.TZ, p.CameraID} {
			if err := binary.Write(w, binary.LittleEndian, v); err != nil {
				return err
			}
		}
		if _, err := w.Write(append([]byte(p.Name), 0)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(len(p.Observations))); err != nil {
			return err
		}
		for _, obs := range p.Observations {
			if err := binary.Write(w, binary.LittleEndian, obs.X); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, obs.Y); err != nil {
				return err
			}
			if err := binary.Write(w, binary.LittleEndian, obs.Point3DID); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// ReadImages parses the images file at path.
func ReadImages(path string) (map[uint32]ImagePose, error) {
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
		return nil, malformed(path, "implausible image count")
	}

	poses := make(map[uint32]ImagePose, count)
	for i := uint64(0); i < count; i++ {
		var p ImagePose
		for _, dst := range []any{&p.ID, &p.QW, &p.QX, &p.QY, &p.QZ, &p.TX, &p.TY, &p.TZ, &p.CameraID} {
			if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
				return nil, wrapEOF(path, err)
			}
		}
		name, err := readCString(r)
		if err != nil {
			return nil, wrapEOF(path, err)
		}
		p.Name = name

		var nObs uint64
		if err := binary.Read(r, binary.LittleEndian, &nObs); err != nil {
			return nil, wrapEOF(path, err)
		}
		if nObs > maxReasonableCount {
			return nil, malformed(path, "implausible observation count")
		}
		p.Observations = make([]Observation, nObs)
		for j := uint64(0); j < nObs; j++ {
			var obs Observation
			if err := binary.Read(r, binary.LittleEndian, &obs.X); err != nil {
				return nil, wrapEOF(path, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &obs.Y); err != nil {
				return nil, wrapEOF(path, err)
			}
			if err := binary.Read(r, binary.LittleEndian, &obs.Point3DID); err != nil {
				return nil, wrapEOF(path, err)
			}
			p.Observations[j] = obs
		}
		poses[p.ID] = p
	}
	return poses, nil
}

func readCString(r *bufio.Reader) (string, error) {
	raw, err := r.ReadBytes(0)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSuffix(raw, []byte{0})), nil
}

func sortedImageIDs(poses map[uint32]ImagePose) []uint32 {
	ids := make([]uint32, 0, len(poses))
	for id := range poses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
