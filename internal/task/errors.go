package task

import (
	"errors"
	"fmt"
)

var (
	ErrQueueFull = errors.New("task queue full")
	ErrStopped   = errors.New("task runner stopped")
)

// UnknownVersionError is returned by codecs that cannot read a stored payload.
type UnknownVersionError struct {
	Version int
	Current int
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown payload version %d (current %d)", e.Version, e.Current)
}
