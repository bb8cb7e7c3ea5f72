package frames

import (
	"image"
	"image/color"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestReprojectEquirectangularProducesRequestedSize(t *testing.T) {
	src := solidImage(1024, 512, color.RGBA{B: 255, A: 255})
	view := reprojectEquirectangular(src, 90, 0, 90, 256, 256)
	b := view.Bounds()
	if b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("got %dx%d, want 256x256", b.Dx(), b.Dy())
	}
}

func TestReprojectEquirectangularSolidColorPreserved(t *testing.T) {
	want := color.RGBA{R: 12, G: 200, B: 40, A: 255}
	src := solidImage(1024, 512, want)
	for _, yaw := range equirectYaws {
		view := reprojectEquirectangular(src, yaw, 0, 90, 64, 64)
		got := view.At(32, 32)
		r, g, b, a := got.RGBA()
		wr, wg, wb, wa := want.RGBA()
		if r != wr || g != wg || b != wb || a != wa {
			t.Errorf("yaw %v center pixel = %+v, want %+v", yaw, got, want)
		}
	}
}

func TestFrameExtractionFailedErrorMessage(t *testing.T) {
	err := &FrameExtractionFailed{Produced: 2, Planned: 20}
	if err.Error() == "" {
		t.Error("expected non-empty error message")
	}
}

func TestClampBounds(t *testing.T) {
	if clamp(-5, 0, 10) != 0 {
		t.Error("clamp should floor at lo")
	}
	if clamp(15, 0, 10) != 10 {
		t.Error("clamp should ceil at hi")
	}
	if clamp(5, 0, 10) != 5 {
		t.Error("clamp should pass through in-range values")
	}
}
