package models

import (
	"encoding/json"
	"fmt"
	"image"
	"strings"
	"time"
)

// SourceVideo describes an input video as reported by the probe step
type SourceVideo struct {
	Path        string  `json:"path"`
	FPS         float64 `json:"fps"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	TotalFrames int     `json:"totalFrames"`
}

// Frame is a single decoded raster. Index is 1-based.
type Frame struct {
	Index     int
	Timestamp float64
	Image     *image.RGBA
}

// BBox is an axis-aligned bounding box in pixel coordinates
type BBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// Valid reports whether the box has a positive area
func (b BBox) Valid() bool {
	return b.X1 < b.X2 && b.Y1 < b.Y2
}

// Rect converts the box to an image.Rectangle
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

// String renders the box in the ledger form [[x1, y1, x2, y2]]
func (b BBox) String() string {
	return fmt.Sprintf("[[%d, %d, %d, %d]]", b.X1, b.Y1, b.X2, b.Y2)
}

// MarshalJSON encodes the box as the nested list the frontend expects
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([][4]int{{b.X1, b.Y1, b.X2, b.Y2}})
}

// UnmarshalJSON accepts both [[x1,y1,x2,y2]] and [x1,y1,x2,y2]
func (b *BBox) UnmarshalJSON(data []byte) error {
	parsed, err := ParseBBox(string(data))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// ParseBBox parses the textual ledger form of a box
func ParseBBox(s string) (BBox, error) {
	s = strings.TrimSpace(s)
	var nested [][]int
	if err := json.Unmarshal([]byte(s), &nested); err == nil {
		if len(nested) != 1 {
			return BBox{}, fmt.Errorf("bbox %q: expected exactly one box", s)
		}
		return bboxFromSlice(s, nested[0])
	}
	var flat []int
	if err := json.Unmarshal([]byte(s), &flat); err != nil {
		return BBox{}, fmt.Errorf("bbox %q: %w", s, err)
	}
	return bboxFromSlice(s, flat)
}

func bboxFromSlice(raw string, v []int) (BBox, error) {
	if len(v) != 4 {
		return BBox{}, fmt.Errorf("bbox %q: expected 4 coordinates, got %d", raw, len(v))
	}
	return BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, nil
}

// Detection is a single validated result from the detector
type Detection struct {
	Box        BBox    `json:"bbox"`
	ClassID    int     `json:"classId"`
	ClassName  string  `json:"className"`
	Confidence float64 `json:"confidence"`
}

// DetectionRecord is one ledger row. A frame with three detections yields
// three records sharing the same frame index.
type DetectionRecord struct {
	Filename string  `json:"filename"`
	Frame    int     `json:"frame"`
	Box      BBox    `json:"bbox"`
	FPS      float64 `json:"fps"`
}

// EvidenceEntry is a retained top-K observation
type EvidenceEntry struct {
	Rank        int         `json:"rank"`
	Frame       int         `json:"frame"`
	Timestamp   float64     `json:"timestamp"`
	Confidence  float64     `json:"confidence"`
	Box         BBox        `json:"bbox"`
	File        string      `json:"file,omitempty"`
	Description string      `json:"description,omitempty"`
	Image       *image.RGBA `json:"-"`
}

// JobStatus is the lifecycle state of a processing job
type JobStatus string

const (
	StatusUploaded   JobStatus = "uploaded"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether s may move to next
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusUploaded:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Job tracks one uploaded video through the pipeline
type Job struct {
	ID               string    `json:"id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"originalFilename,omitempty"`
	ProcessedName    string    `json:"processedFilename"`
	Status           JobStatus `json:"status"`
	SourcePath       string    `json:"-"`
	OutputPath       string    `json:"-"`
	PredictionsPath  string    `json:"-"`
	EvidenceDir      string    `json:"-"`
	Error            string    `json:"error,omitempty"`
	FramesProcessed  int       `json:"framesProcessed"`
	Detections       int       `json:"detections"`
	CreatedAt        time.Time `json:"createdAt"`
	StartedAt        time.Time `json:"startedAt,omitempty"`
	CompletedAt      time.Time `json:"completedAt,omitempty"`
}

// RunResult summarises a finished pipeline run
type RunResult struct {
	FramesRead      int
	FramesSampled   int
	FramesWritten   int
	Detections      int
	InferenceErrors int
	FPS             float64
	OutputPath      string
	PredictionsPath string
	Records         []DetectionRecord
	Evidence        []EvidenceEntry
}

// EvidenceMatch is one result of a semantic evidence search
type EvidenceMatch struct {
	Filename    string  `json:"filename"`
	Rank        int     `json:"rank"`
	Frame       int     `json:"frame"`
	Timestamp   float64 `json:"timestamp"`
	Confidence  float64 `json:"confidence"`
	File        string  `json:"file"`
	Description string  `json:"description"`
	Similarity  float64 `json:"similarity"`
}
