// Package layout computes the on-disk workspace shape for a reconstruction
// job. Every function here is a pure path computation: no file is opened,
// created, or inspected.
package layout

import (
	"fmt"
	"path/filepath"
)

// Layout resolves artifact paths for a single job rooted under Root.
type Layout struct {
	Root string
	Job  string
}

// New returns a Layout for job under root.
func New(root, job string) Layout {
	return Layout{Root: root, Job: job}
}

// Dir is the job's workspace directory, <root>/<job>.
func (l Layout) Dir() string {
	return filepath.Join(l.Root, l.Job)
}

// ImagesDir holds the extracted frame sequence.
func (l Layout) ImagesDir() string {
	return filepath.Join(l.Dir(), "images")
}

// FrameName returns the six-digit zero-padded frame filename for index n
// (zero-based), e.g. frame_000000.jpg.
func FrameName(n int, ext string) string {
	if ext == "" {
		ext = "jpg"
	}
	return fmt.Sprintf("frame_%06d.%s", n, ext)
}

// FramePath returns the full path of frame n.
func (l Layout) FramePath(n int, ext string) string {
	return filepath.Join(l.ImagesDir(), FrameName(n, ext))
}

// Database is the external toolchain's opaque feature/match database.
func (l Layout) Database(ext string) string {
	if ext == "" {
		ext = "db"
	}
	return filepath.Join(l.Dir(), "database."+ext)
}

// SparseDir is the root of all sparse-reconstruction outputs.
func (l Layout) SparseDir() string {
	return filepath.Join(l.Dir(), "sparse")
}

// SparseModelDir is the k-th reconstruction's model directory, sparse/<k>/.
func (l Layout) SparseModelDir(k int) string {
	return filepath.Join(l.SparseDir(), fmt.Sprint(k))
}

// SparseCameras is the k-th reconstruction's binary cameras file.
func (l Layout) SparseCameras(k int) string {
	return filepath.Join(l.SparseModelDir(k), "cameras.bin")
}

// SparseImages is the k-th reconstruction's binary images file.
func (l Layout) SparseImages(k int) string {
	return filepath.Join(l.SparseModelDir(k), "images.bin")
}

// SparsePoints3D is the k-th reconstruction's binary points3D file.
func (l Layout) SparsePoints3D(k int) string {
	return filepath.Join(l.SparseModelDir(k), "points3D.bin")
}

// SparsePointCloud is the sparse-stage exported PLY preview.
func (l Layout) SparsePointCloud() string {
	return filepath.Join(l.SparseDir(), "point_cloud.ply")
}

// DenseDir is the root of all dense-reconstruction (MVS) outputs.
func (l Layout) DenseDir() string {
	return filepath.Join(l.Dir(), "dense")
}

// DenseImages mirrors the posed images consumed by patch-match stereo.
func (l Layout) DenseImages() string {
	return filepath.Join(l.DenseDir(), "images")
}

// DenseSparse mirrors the sparse model consumed by patch-match stereo.
func (l Layout) DenseSparse() string {
	return filepath.Join(l.DenseDir(), "sparse")
}

// DenseStereo holds per-image depth/normal maps produced by patch-match stereo.
func (l Layout) DenseStereo() string {
	return filepath.Join(l.DenseDir(), "stereo")
}

// DenseFused is the stereo-fusion output: the dense point cloud.
func (l Layout) DenseFused() string {
	return filepath.Join(l.DenseDir(), "fused.ply")
}

// Postprocessed is the final, post-processed point cloud.
func (l Layout) Postprocessed() string {
	return filepath.Join(l.Dir(), "postprocessed.ply")
}

// Thumbnail is a representative preview image for the job.
func (l Layout) Thumbnail() string {
	return filepath.Join(l.Dir(), "thumbnail.jpg")
}

// Progress is the persisted stage-execution record.
func (l Layout) Progress() string {
	return filepath.Join(l.Dir(), "progress.json")
}

// ProgressTemp is the write-to-temp staging path for atomic Progress updates.
func (l Layout) ProgressTemp() string {
	return filepath.Join(l.Dir(), "progress.json.tmp")
}

// Params is the resolved, immutable ParameterRecord for the job.
func (l Layout) Params() string {
	return filepath.Join(l.Dir(), "params.json")
}

// Metadata is the cached probed video metadata, written once after
// VIDEO_ANALYZE completes so a crash-recovered resume never re-probes.
func (l Layout) Metadata() string {
	return filepath.Join(l.Dir(), "metadata.json")
}

// CancelRequest is the sentinel file a `cancel` invocation drops to signal
// a job running under a separate `run` process. The live process's
// scheduler polls for it since the two processes share no other channel.
func (l Layout) CancelRequest() string {
	return filepath.Join(l.Dir(), "cancel.request")
}
