package binformat

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sort"
)

// WriteCameras serializes cams (keyed by camera id) to path in the
// toolchain's little-endian binary format: u64 count, then per camera
// (u32 id, u32 model-kind, u64 width, u64 height, f64[param-count] params).
func WriteCameras(path string, cams map[uint32]CameraModel) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, uint64(len(cams))); err != nil {
		return err
	}
	for _, id := range sortedCameraIDs(cams) {
		cam := cams[id]
		if err := binary.Write(w, binary.LittleEndian, cam.ID); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(cam.Kind)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cam.Width); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, cam.Height); err != nil {
			return err
		}
		for _, p := range cam.Params {
			if err := binary.Write(w, binary.LittleEndian, p); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}

// ReadCameras parses the cameras file at path.
func ReadCameras(path string) (map[uint32]CameraModel, error) {
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
		return nil, malformed(path, "implausible camera count")
	}

	cams := make(map[uint32]CameraModel, count)
	for i := uint64(0); i < count; i++ {
		var id uint32
		var kind uint32
		var width, height uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, wrapEOF(path, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &kind); err != nil {
			return nil, wrapEOF(path, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &width); err != nil {
			return nil, wrapEOF(path, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &height); err != nil {
			return nil, wrapEOF(path, err)
		}
		n, ok := ParamCount(CameraModelKind(kind))
		if !ok {
			return nil, &UnknownCameraModelError{Kind: kind}
		}
		params := make([]float64, n)
		for j := 0; j < n; j++ {
			if err := binary.Read(r, binary.LittleEndian, &params[j]); err != nil {
				return nil, wrapEOF(path, err)
			}
		}
		cams[id] = CameraModel{ID: id, Kind: CameraModelKind(kind), Width: width, Height: height, Params: params}
	}
	return cams, nil
}

func wrapEOF(path string, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return malformed(path, "premature EOF")
	}
	return err
}

// maxReasonableCount guards against a corrupt length field being
// interpreted as a near-infinite allocation request.
const maxReasonableCount = 1 << 32

func sortedCameraIDs(cams map[uint32]CameraModel) []uint32 {
	ids := make([]uint32, 0, len(cams))
	for id := range cams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
