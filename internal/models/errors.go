package models

import "errors"

// Error classes shared by every stage. Stages wrap these with fmt.Errorf("...: %w")
// and callers classify with errors.Is.
var (
	ErrIO               = errors.New("io error")
	ErrInference        = errors.New("inference error")
	ErrInvalidDetection = errors.Join(ErrInference, errors.New("invalid detection"))
	ErrEncoding         = errors.New("encoding error")
	ErrNotFound         = errors.New("not found")
	ErrRange            = errors.New("invalid range")
	ErrQueueFull        = errors.New("job queue is full")
	ErrCancelled        = errors.New("job cancelled")
)
