package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no record exists for the requested id
	ErrNotFound = errors.New("audio record not found")

	// ErrQuotaExceeded indicates the store has no room for the write
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidID indicates an audiobook id that is not a positive integer
	ErrInvalidID = errors.New("invalid audiobook id")
)

// StorageError wraps a persistence failure
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NewStorageError wraps err unless it already is a StorageError
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// NetworkError is a transport failure while talking to the backend
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DownloadError is a non-success HTTP response during a download
type DownloadError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download %s failed: HTTP %d %s", e.URL, e.StatusCode, e.Status)
}

// ResolutionError is any failure while computing a playback source.
// It never leaves the resolver; it is logged and replaced by Unavailable.
type ResolutionError struct {
	ID  int64
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve audiobook %d: %v", e.ID, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
