package annotator

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func TestAnnotateLeavesSourceUntouched(t *testing.T) {
	src := solid(120, 90, color.RGBA{10, 20, 30, 255})
	before := append([]byte(nil), src.Pix...)
	dets := []models.Detection{{
		Box:        models.BBox{X1: 20, Y1: 30, X2: 80, Y2: 70},
		ClassName:  "accident",
		Confidence: 0.87,
	}}

	out := Annotate(src, dets)

	if !bytes.Equal(src.Pix, before) {
		t.Fatal("Annotate modified the source frame")
	}
	if bytes.Equal(out.Pix, before) {
		t.Fatal("Annotate drew nothing")
	}
	if got := out.RGBAAt(20, 50); got != boxColor {
		t.Fatalf("left edge pixel = %v, want %v", got, boxColor)
	}
	if got := out.RGBAAt(50, 50); got != (color.RGBA{10, 20, 30, 255}) {
		t.Fatalf("box interior should be untouched, got %v", got)
	}
}

func TestAnnotateDeterministic(t *testing.T) {
	src := solid(64, 64, color.RGBA{0, 0, 0, 255})
	dets := []models.Detection{
		{Box: models.BBox{X1: 0, Y1: 0, X2: 30, Y2: 30}, ClassName: "car", Confidence: 0.5},
		{Box: models.BBox{X1: 40, Y1: 40, X2: 90, Y2: 90}, ClassName: "truck", Confidence: 0.99},
	}
	a := Annotate(src, dets)
	b := Annotate(src, dets)
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Fatal("same input produced different overlays")
	}
}

func TestAnnotateNoDetectionsIsCopy(t *testing.T) {
	src := solid(8, 8, color.RGBA{1, 2, 3, 255})
	out := Annotate(src, nil)
	if !bytes.Equal(out.Pix, src.Pix) {
		t.Fatal("expected identical pixels")
	}
	out.Pix[0] = 99
	if src.Pix[0] == 99 {
		t.Fatal("output shares the source buffer")
	}
}

func TestCrop(t *testing.T) {
	src := solid(50, 40, color.RGBA{5, 5, 5, 255})
	src.SetRGBA(12, 8, color.RGBA{200, 0, 0, 255})

	c := Crop(src, models.BBox{X1: 10, Y1: 5, X2: 30, Y2: 25})
	if c.Bounds().Dx() != 20 || c.Bounds().Dy() != 20 {
		t.Fatalf("crop size = %v", c.Bounds())
	}
	if got := c.RGBAAt(2, 3); got != (color.RGBA{200, 0, 0, 255}) {
		t.Fatalf("crop pixel = %v", got)
	}

	clamped := Crop(src, models.BBox{X1: 40, Y1: 30, X2: 80, Y2: 90})
	if clamped.Bounds().Dx() != 10 || clamped.Bounds().Dy() != 10 {
		t.Fatalf("clamped crop size = %v", clamped.Bounds())
	}
}

func TestLabel(t *testing.T) {
	if got := Label(models.Detection{ClassName: "accident", Confidence: 0.876}); got != "accident 0.88" {
		t.Fatalf("label = %q", got)
	}
}
