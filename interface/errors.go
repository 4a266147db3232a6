package iface

import (
	"errors"
	"fmt"
)

var (
	ErrInput            = errors.New("invalid input")
	ErrNotAnImage       = fmt.Errorf("%w: file is not an image", ErrInput)
	ErrUnknownFormat    = fmt.Errorf("%w: unknown image format", ErrInput)
	ErrModelUnavailable = errors.New("model unavailable")
	ErrInference        = errors.New("inference failed")
	ErrCancelled        = errors.New("cancelled")
)

type ProcessingError struct {
	Path  string
	Stage string
	Cause error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Stage, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Stage)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}
