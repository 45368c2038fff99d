package detector

import (
	"context"
	"fmt"
	"image"
	"math"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

// Detector runs object detection on a single frame
type Detector interface {
	// Detect returns the validated detections for img in model order
	Detect(ctx context.Context, img *image.RGBA) ([]models.Detection, error)

	// Close releases the model and any accelerator it holds
	Close() error
}

// Factory constructs a Detector for one pipeline run. The run closes it when done.
type Factory func(ctx context.Context) (Detector, error)

// RawDetection is a detection as reported by a model before validation
type RawDetection struct {
	BBox       []float64 `json:"bbox"`
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name"`
	Confidence float64   `json:"confidence"`
}

// Options controls validation at the adapter boundary
type Options struct {
	MinConfidence float64
	// Labels overrides class names; the "*" key relabels every class
	Labels map[string]string
}

// Parse validates raw detections against the frame size. Confidences outside
// [0,1] and malformed boxes are rejected with ErrInvalidDetection; boxes are
// clamped to the frame; detections under MinConfidence are dropped.
func Parse(raw []RawDetection, width, height int, opts Options) ([]models.Detection, error) {
	out := make([]models.Detection, 0, len(raw))
	for i, r := range raw {
		if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("detection %d: confidence %v out of range: %w", i, r.Confidence, models.ErrInvalidDetection)
		}
		if len(r.BBox) != 4 {
			return nil, fmt.Errorf("detection %d: bbox has %d coordinates: %w", i, len(r.BBox), models.ErrInvalidDetection)
		}
		for _, v := range r.BBox {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("detection %d: bbox %v not finite: %w", i, r.BBox, models.ErrInvalidDetection)
			}
		}
		box := models.BBox{
			X1: clamp(int(r.BBox[0]), 0, width),
			Y1: clamp(int(r.BBox[1]), 0, height),
			X2: clamp(int(r.BBox[2]), 0, width),
			Y2: clamp(int(r.BBox[3]), 0, height),
		}
		if !box.Valid() {
			return nil, fmt.Errorf("detection %d: degenerate bbox %v: %w", i, r.BBox, models.ErrInvalidDetection)
		}
		if r.Confidence < opts.MinConfidence {
			continue
		}
		out = append(out, models.Detection{
			Box:        box,
			ClassID:    r.ClassID,
			ClassName:  opts.label(r.ClassName, r.ClassID),
			Confidence: r.Confidence,
		})
	}
	return out, nil
}

func (o Options) label(name string, id int) string {
	if l, ok := o.Labels["*"]; ok {
		return l
	}
	if l, ok := o.Labels[name]; ok {
		return l
	}
	if name == "" {
		return fmt.Sprintf("class_%d", id)
	}
	return name
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
