package iface

import (
	"errors"
	"fmt"
)

var (
	ErrModelNotFound = errors.New("model not found")
	ErrImageNotFound = errors.New("image not found")
	ErrNoAnomalyMap  = errors.New("no anomaly_map in model output")
	ErrInvalidRect   = errors.New("invalid rect")
)

// ModelLoadError reports an artifact that exists but could not be initialised.
type ModelLoadError struct {
	ModelID string
	Path    string
	Err     error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s from %s: %v", e.ModelID, e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

type InvalidRectError struct {
	Index  int
	ID     string
	Reason string
}

func (e *InvalidRectError) Error() string {
	return fmt.Sprintf("rect %q at index %d: %s", e.ID, e.Index, e.Reason)
}

func (e *InvalidRectError) Is(target error) bool {
	return target == ErrInvalidRect
}
