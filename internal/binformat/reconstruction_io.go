package binformat

// ReadReconstruction loads a full Reconstruction from its three binary
// files and validates cross-referential integrity before returning it.
func ReadReconstruction(camerasPath, imagesPath, points3DPath string) (*Reconstruction, error) {
	cams, err := ReadCameras(camerasPath)
	if err != nil {
		return nil, err
	}
	imgs, err := ReadImages(imagesPath)
	if err != nil {
		return nil, err
	}
	pts, err := ReadPoints3D(points3DPath)
	if err != nil {
		return nil, err
	}
	rec := &Reconstruction{Cameras: cams, Images: imgs, Points: pts}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteReconstruction persists rec to its three binary files.
func WriteReconstruction(camerasPath, imagesPath, points3DPath string, rec *Reconstruction) error {
	if err := WriteCameras(camerasPath, rec.Cameras); err != nil {
		return err
	}
	if err := WriteImages(imagesPath, rec.Images); err != nil {
		return err
	}
	if err := WritePoints3D(points3DPath, rec.Points); err != nil {
		return err
	}
	return nil
}

// SelectCanonical returns the reconstruction with the greatest Point3D
// cardinality among several candidates, as the external toolchain may
// emit one reconstruction per connected component of the view graph.
// Returns nil if candidates is empty.
func SelectCanonical(candidates []*Reconstruction) *Reconstruction {
	var best *Reconstruction
	bestN := -1
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if n := c.NumPoints3D(); n > bestN {
			best, bestN = c, n
		}
	}
	return best
}
