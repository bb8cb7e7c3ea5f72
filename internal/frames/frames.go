// Package frames extracts a numbered JPEG sequence from a source video,
// synthesizing perspective views from equirectangular input where needed.
package frames

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"os/exec"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"reconstruct/internal/layout"
)

// Plan is the set of decisions the quality model and video analyzer hand
// to the extractor: how many frames to produce, at what ceiling, and
// whether the source needs equirectangular reprojection.
type Plan struct {
	TargetFrameCount  int
	DurationSeconds   float64
	SourceFrameRate   float64
	MaxImageSide      int
	IsEquirectangular bool
}

// equirectYaws is the fixed set of synthesized view yaw angles, in
// degrees, sampled for each source frame of 360-degree input.
var equirectYaws = []float64{0, 45, 90, 135, 180, 225, 270, 315}

const (
	perspectiveFOVDegrees = 90.0
	jpegQuality           = 92
)

// FrameExtractionFailed is returned when fewer than the minimum viable
// number of frames were successfully produced.
type FrameExtractionFailed struct {
	Produced, Planned int
}

func (e *FrameExtractionFailed) Error() string {
	return fmt.Sprintf("frame extraction failed: produced %d of %d planned frames", e.Produced, e.Planned)
}

// ProgressFunc is invoked after each source frame is processed, with the
// count of source frames handled so far and the total planned.
type ProgressFunc func(processed, planned int)

// Extract samples videoPath at a uniform temporal stride chosen to match
// plan.TargetFrameCount, writing the resulting sequence (reprojected into
// eight perspective views per source frame if plan.IsEquirectangular)
// under lay's image directory.
func Extract(ctx context.Context, videoPath string, lay layout.Layout, plan Plan, report ProgressFunc) (int, error) {
	if err := os.MkdirAll(lay.ImagesDir(), 0o755); err != nil {
		return 0, err
	}

	sourceCount := plan.TargetFrameCount
	if plan.IsEquirectangular && sourceCount > 0 {
		sourceCount = (sourceCount + len(equirectYaws) - 1) / len(equirectYaws)
	}
	if sourceCount <= 0 {
		sourceCount = int(math.Round(plan.DurationSeconds * 2))
	}
	if sourceCount < 1 {
		sourceCount = 1
	}

	tmpDir, err := os.MkdirTemp("", "reconstruct-extract-*")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmpDir)

	if err := runFFmpegSample(ctx, videoPath, tmpDir, sourceCount, plan.DurationSeconds); err != nil {
		return 0, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	produced := 0
	outIdx := 0
	for i := 1; i <= sourceCount; i++ {
		srcPath := filepath.Join(tmpDir, fmt.Sprintf("src_%06d.jpg", i))

		if plan.IsEquirectangular {
			img, err := decodeJPEG(srcPath)
			if err != nil {
				continue // a dropped source frame does not abort the run; the final count is checked at the end.
			}
			for _, yaw := range equirectYaws {
				view := reprojectEquirectangular(img, yaw, 0, perspectiveFOVDegrees, outputSize(img, plan.MaxImageSide))
				if err := writeJPEG(lay.FramePath(outIdx, "jpg"), view); err != nil {
					return produced, err
				}
				outIdx++
				produced++
			}
		} else {
			if err := decodeResizeEncode(srcPath, lay.FramePath(outIdx, "jpg"), plan.MaxImageSide); err != nil {
				continue // a dropped source frame does not abort the run; the final count is checked at the end.
			}
			outIdx++
			produced++
		}

		if report != nil {
			report(i, sourceCount)
		}
	}

	planned := plan.TargetFrameCount
	if planned <= 0 {
		planned = produced
	}
	minViable := 4
	if q := (planned + 3) / 4; q > minViable {
		minViable = q
	}
	if produced < minViable {
		return produced, &FrameExtractionFailed{Produced: produced, Planned: planned}
	}
	return produced, nil
}

// runFFmpegSample invokes ffmpeg to extract count frames uniformly spaced
// across the video's duration into tmpDir as src_NNNNNN.jpg.
func runFFmpegSample(ctx context.Context, videoPath, tmpDir string, count int, duration float64) error {
	fps := float64(count) / duration
	if duration <= 0 || math.IsInf(fps, 0) || math.IsNaN(fps) {
		fps = 1
	}
	args := []string{
		"-y",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%f", fps),
		"-frames:v", fmt.Sprintf("%d", count),
		"-qscale:v", "2",
		filepath.Join(tmpDir, "src_%06d.jpg"),
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ffmpeg sampling failed: %w: %s", err, tail(out, 4096))
	}
	return nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

func decodeJPEG(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jpeg.Decode(f)
}

func writeJPEG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
}

// decodeResizeEncode reads the JPEG at srcPath, downscales it with a
// Lanczos filter to ceiling if its longer side exceeds it, and writes the
// result to dstPath at jpegQuality. imagick.Initialize must already have
// been called by the caller.
func decodeResizeEncode(srcPath, dstPath string, ceiling int) error {
	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(srcPath); err != nil {
		return fmt.Errorf("read %s: %w", srcPath, err)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	longer := w
	if h > longer {
		longer = h
	}
	if ceiling > 0 && longer > uint(ceiling) {
		scale := float64(ceiling) / float64(longer)
		newW := uint(math.Round(float64(w) * scale))
		newH := uint(math.Round(float64(h) * scale))
		if err := mw.ResizeImage(newW, newH, imagick.FILTER_LANCZOS); err != nil {
			return fmt.Errorf("resize %s: %w", srcPath, err)
		}
	}

	if err := mw.SetImageCompressionQuality(uint(jpegQuality)); err != nil {
		return fmt.Errorf("set quality for %s: %w", srcPath, err)
	}
	if err := mw.WriteImage(dstPath); err != nil {
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	return nil
}

func outputSize(src image.Image, ceiling int) (int, int) {
	b := src.Bounds()
	side := b.Dy()
	if b.Dx() > side {
		side = b.Dx()
	}
	if ceiling > 0 && side > ceiling {
		side = ceiling
	}
	// Perspective views are synthesized square; downstream feature
	// detection only cares about the longer-side ceiling.
	return side, side
}

func bilinearSample(img image.Image, x, y float64) color.Color {
	b := img.Bounds()
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	x1, y1 := x0+1, y0+1
	fx, fy := x-float64(x0), y-float64(y0)

	clampX := func(v int) int { return clamp(v, b.Min.X, b.Max.X-1) }
	clampY := func(v int) int { return clamp(v, b.Min.Y, b.Max.Y-1) }

	c00 := img.At(clampX(x0), clampY(y0))
	c10 := img.At(clampX(x1), clampY(y0))
	c01 := img.At(clampX(x0), clampY(y1))
	c11 := img.At(clampX(x1), clampY(y1))

	return blend4(c00, c10, c01, c11, fx, fy)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func blend4(c00, c10, c01, c11 color.Color, fx, fy float64) color.Color {
	r00, g00, b00, a00 := c00.RGBA()
	r10, g10, b10, a10 := c10.RGBA()
	r01, g01, b01, a01 := c01.RGBA()
	r11, g11, b11, a11 := c11.RGBA()

	lerp := func(a, b, c, d uint32) uint8 {
		top := float64(a)*(1-fx) + float64(b)*fx
		bot := float64(c)*(1-fx) + float64(d)*fx
		v := top*(1-fy) + bot*fy
		return uint8(v / 257) // scale 16-bit channel down to 8-bit.
	}

	return color.RGBA{
		R: lerp(r00, r10, r01, r11),
		G: lerp(g00, g10, g01, g11),
		B: lerp(b00, b10, b01, b11),
		A: lerp(a00, a10, a01, a11),
	}
}

// reprojectEquirectangular synthesizes a pinhole perspective view of the
// equirectangular panorama src, looking at yaw/pitch (degrees) with the
// given horizontal field of view, at the requested output size.
func reprojectEquirectangular(src image.Image, yawDeg, pitchDeg, fovDeg float64, outW, outH int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, outW, outH))
	srcB := src.Bounds()
	srcW, srcH := float64(srcB.Dx()), float64(srcB.Dy())

	yaw := yawDeg * math.Pi / 180
	pitch := pitchDeg * math.Pi / 180
	fov := fovDeg * math.Pi / 180
	focal := float64(outW) / 2 / math.Tan(fov/2)

	cosYaw, sinYaw := math.Cos(yaw), math.Sin(yaw)
	cosPitch, sinPitch := math.Cos(pitch), math.Sin(pitch)

	for py := 0; py < outH; py++ {
		for px := 0; px < outW; px++ {
			// Ray direction in camera space.
			cx := float64(px) - float64(outW)/2
			cy := float64(py) - float64(outH)/2
			dx, dy, dz := cx, cy, focal

			// Rotate by pitch around X, then yaw around Y.
			dy2 := dy*cosPitch - dz*sinPitch
			dz2 := dy*sinPitch + dz*cosPitch
			dx3 := dx*cosYaw + dz2*sinYaw
			dz3 := -dx*sinYaw + dz2*cosYaw

			norm := math.Sqrt(dx3*dx3 + dy2*dy2 + dz3*dz3)
			dx3, dy2, dz3 = dx3/norm, dy2/norm, dz3/norm

			lon := math.Atan2(dx3, dz3)
			lat := math.Asin(clampF(dy2, -1, 1))

			u := (lon/(2*math.Pi) + 0.5) * srcW
			v := (0.5 - lat/math.Pi) * srcH

			dst.Set(px, py, bilinearSample(src, u, v))
		}
	}
	return dst
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
