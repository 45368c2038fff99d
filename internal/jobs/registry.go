package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ilyas-assylbekov/sergek/internal/models"
)

var (
	// ErrInvalidTransition is returned when a status change would move a job backwards
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrExists is returned when a job is already registered under a filename
	ErrExists = errors.New("job already exists")
)

// Registry is the in-memory table of jobs keyed by upload filename. All
// methods are safe for concurrent use and return copies.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*models.Job),
		now:  time.Now,
	}
}

// Add registers a new job
func (r *Registry) Add(job models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[job.Filename]; ok {
		return fmt.Errorf("%s: %w", job.Filename, ErrExists)
	}
	r.jobs[job.Filename] = &job
	return nil
}

// Get returns a copy of the job registered under filename
func (r *Registry) Get(filename string) (models.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[filename]
	if !ok {
		return models.Job{}, false
	}
	return *j, true
}

// List returns all jobs, oldest first
func (r *Registry) List() []models.Job {
	r.mu.RLock()
	out := make([]models.Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.Before(out[k].CreatedAt)
		}
		return out[i].Filename < out[k].Filename
	})
	return out
}

// Transition moves a job to status. msg is recorded as the error of a failed
// job. Terminal jobs never change.
func (r *Registry) Transition(filename string, status models.JobStatus, msg string) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[filename]
	if !ok {
		return models.Job{}, fmt.Errorf("job '%s': %w", filename, models.ErrNotFound)
	}
	if !j.Status.CanTransition(status) {
		return *j, fmt.Errorf("%s -> %s: %w", j.Status, status, ErrInvalidTransition)
	}

	j.Status = status
	switch status {
	case models.StatusProcessing:
		j.StartedAt = r.now()
	case models.StatusFailed:
		j.Error = msg
		j.CompletedAt = r.now()
	case models.StatusCompleted:
		j.CompletedAt = r.now()
	}
	return *j, nil
}

// Update applies fn to the job without changing its status
func (r *Registry) Update(filename string, fn func(*models.Job)) (models.Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[filename]
	if !ok {
		return models.Job{}, false
	}
	status := j.Status
	fn(j)
	j.Status = status
	return *j, true
}
