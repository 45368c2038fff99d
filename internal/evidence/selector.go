// Package evidence keeps the K highest-confidence observations of a run and
// writes them out as cropped images for review.
//
// Memory is bounded by K full-frame copies regardless of video length: a
// min-heap holds the retained entries with the weakest one at the root, and a
// frame is copied only when its observation is accepted.
package evidence

import (
	"container/heap"
	"image"
	"sort"

	"github.com/ilyas-assylbekov/sergek/internal/annotator"
	"github.com/ilyas-assylbekov/sergek/internal/models"
)

type observation struct {
	frame      int
	timestamp  float64
	confidence float64
	box        models.BBox
	raw        *image.RGBA
	seq        int
}

// better reports whether a ranks ahead of b: higher confidence first, then the
// earlier frame, then the earlier observation.
func better(a, b *observation) bool {
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	if a.frame != b.frame {
		return a.frame < b.frame
	}
	return a.seq < b.seq
}

// minHeap keeps the weakest retained observation at index 0
type minHeap []*observation

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(*observation)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// Selector retains the top K observations. It is not safe for concurrent use;
// the pipeline feeds it from a single goroutine.
type Selector struct {
	k    int
	h    minHeap
	seq  int
	seen int
}

// NewSelector creates a selector retaining at most k entries
func NewSelector(k int) *Selector {
	if k < 0 {
		k = 0
	}
	return &Selector{k: k, h: make(minHeap, 0, k)}
}

// Observe offers one detection. raw is the unannotated frame; it is copied
// only if the observation is retained, so callers may reuse the buffer.
func (s *Selector) Observe(frame int, timestamp, confidence float64, raw *image.RGBA, box models.BBox) bool {
	s.seq++
	s.seen++
	if s.k == 0 {
		return false
	}
	obs := &observation{
		frame:      frame,
		timestamp:  timestamp,
		confidence: confidence,
		box:        box,
		seq:        s.seq,
	}

	if len(s.h) < s.k {
		obs.raw = annotator.Clone(raw)
		heap.Push(&s.h, obs)
		return true
	}

	weakest := s.h[0]
	if !better(obs, weakest) {
		return false
	}
	// reuse the evicted entry's buffer when the frame size matches
	if weakest.raw != nil && len(weakest.raw.Pix) == len(raw.Pix) && weakest.raw.Rect == raw.Rect {
		copy(weakest.raw.Pix, raw.Pix)
		obs.raw = weakest.raw
	} else {
		obs.raw = annotator.Clone(raw)
	}
	s.h[0] = obs
	heap.Fix(&s.h, 0)
	return true
}

// Len returns the number of retained entries
func (s *Selector) Len() int { return len(s.h) }

// Seen returns the number of observations offered so far
func (s *Selector) Seen() int { return s.seen }

// Finalize returns the retained entries ordered by descending confidence,
// ties broken by the earliest frame, each cropped to its box.
func (s *Selector) Finalize() []models.EvidenceEntry {
	ordered := make([]*observation, len(s.h))
	copy(ordered, s.h)
	sort.Slice(ordered, func(i, j int) bool { return better(ordered[i], ordered[j]) })

	out := make([]models.EvidenceEntry, 0, len(ordered))
	for rank, o := range ordered {
		out = append(out, models.EvidenceEntry{
			Rank:       rank,
			Frame:      o.frame,
			Timestamp:  o.timestamp,
			Confidence: o.confidence,
			Box:        o.box,
			Image:      annotator.Crop(o.raw, o.box),
		})
	}
	return out
}
