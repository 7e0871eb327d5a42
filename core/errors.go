package core

import (
	"errors"
	"fmt"
)

// WriteProcessError reports a rejected write: schema mismatch, a timestamp
// that violates the sequence-file invariant, or a malformed plan. The engine
// state is unchanged when one is returned.
type WriteProcessError struct {
	Message string
}

func NewWriteProcessError(msg string) *WriteProcessError {
	return &WriteProcessError{Message: msg}
}

func (e *WriteProcessError) Error() string {
	return fmt.Sprintf("write process error: %s", e.Message)
}

// IsWriteProcessError checks if an error (or any error in its chain) is a
// WriteProcessError.
func IsWriteProcessError(err error) bool {
	var wpe *WriteProcessError
	return errors.As(err, &wpe)
}

// PartitionViolationError reports a loaded file whose data crosses time
// partitions, or covers none at all.
type PartitionViolationError struct {
	Path string
}

func (e *PartitionViolationError) Error() string {
	return fmt.Sprintf("file %s spans multiple time partitions or is empty", e.Path)
}

func IsPartitionViolationError(err error) bool {
	var pve *PartitionViolationError
	return errors.As(err, &pve)
}
