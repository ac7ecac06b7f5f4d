package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceBusy is returned when the device lock is held by another operation.
	ErrDeviceBusy = errors.New("device is busy")
	// ErrOpenFailed is returned when the driver could not open the device.
	ErrOpenFailed = errors.New("device could not be opened")
	// ErrInvalidState is returned for commands the current state does not allow.
	ErrInvalidState = errors.New("invalid session state")
	// ErrDeleteCanceled is returned when the user declined a destructive delete.
	ErrDeleteCanceled = errors.New("deletion canceled")
)

// ConnectionError reports a failed connect attempt or a failing pre-connect hook.
type ConnectionError struct {
	Device string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Device, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeletionError reports a batch deletion in which at least one item failed.
type DeletionError struct {
	Device  string
	Deleted int
	Failed  int
	Err     error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("delete on %s: %d of %d items failed: %v", e.Device, e.Failed, e.Deleted+e.Failed, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }
