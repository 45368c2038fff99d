package annotator

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

var (
	boxColor   = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	labelBG    = color.RGBA{R: 255, G: 0, B: 255, A: 255}
	labelColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

const (
	thickness = 2
	labelPadX = 3
	labelPadY = 2
)

// Annotate returns a copy of src with a rectangle and a "name 0.93" label
// drawn for every detection. src is never modified.
func Annotate(src *image.RGBA, dets []models.Detection) *image.RGBA {
	dst := Clone(src)
	bounds := dst.Bounds()
	for _, d := range dets {
		r := d.Box.Rect().Intersect(bounds)
		if r.Empty() {
			continue
		}
		drawRect(dst, r, boxColor)
		drawLabel(dst, r.Min, Label(d))
	}
	return dst
}

// Label is the overlay text for a detection
func Label(d models.Detection) string {
	return fmt.Sprintf("%s %.2f", d.ClassName, d.Confidence)
}

// Clone copies an image into a new buffer
func Clone(src *image.RGBA) *image.RGBA {
	dst := &image.RGBA{
		Pix:    make([]byte, len(src.Pix)),
		Stride: src.Stride,
		Rect:   src.Rect,
	}
	copy(dst.Pix, src.Pix)
	return dst
}

// Crop copies the part of src inside box, clamped to the image bounds
func Crop(src *image.RGBA, box models.BBox) *image.RGBA {
	r := box.Rect().Intersect(src.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(img, e.Intersect(r), u, image.Point{}, draw.Src)
	}
}

// drawLabel renders text on a filled background whose bottom-left corner sits
// at the box's top-left corner, moved inside the frame when it would not fit.
func drawLabel(img *image.RGBA, at image.Point, text string) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + 2*labelPadX
	height := face.Height + 2*labelPadY

	bg := image.Rect(at.X, at.Y-height, at.X+width, at.Y)
	b := img.Bounds()
	if bg.Min.Y < b.Min.Y {
		bg = bg.Add(image.Pt(0, b.Min.Y-bg.Min.Y))
	}
	if bg.Max.X > b.Max.X {
		bg = bg.Add(image.Pt(b.Max.X-bg.Max.X, 0))
	}
	draw.Draw(img, bg.Intersect(b), image.NewUniform(labelBG), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(bg.Min.X+labelPadX, bg.Min.Y+labelPadY+face.Ascent),
	}
	d.DrawString(text)
}
