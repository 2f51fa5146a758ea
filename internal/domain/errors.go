package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrDownloadNotFound = errors.New("download not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrManagerClosed    = errors.New("download manager is closed")
	ErrSizeMismatch     = errors.New("downloaded size does not match expected size")
	ErrDiskFull         = errors.New("not enough free disk space")
)

// AlreadyDownloadingError is returned when a download is requested for a
// filename that already has an active record.
type AlreadyDownloadingError struct {
	Filename   string
	DownloadID int64
}

// Error returns the error message
func (e *AlreadyDownloadingError) Error() string {
	return fmt.Sprintf("%s is already downloading (download %d)", e.Filename, e.DownloadID)
}

// IsAlreadyDownloading returns true if err is an AlreadyDownloadingError
func IsAlreadyDownloading(err error) bool {
	var ae *AlreadyDownloadingError
	return errors.As(err, &ae)
}

// TransferError represents a network or IO failure while streaming a download
type TransferError struct {
	DownloadID int64
	Operation  string // e.g. "fetch", "read", "write", "verify"
	StatusCode int    // HTTP status code, 0 for non-HTTP failures
	Err        error
}

// Error returns the error message
func (e *TransferError) Error() string {
	msg := "transfer failed"
	if e.Operation != "" {
		msg = "transfer failed during " + e.Operation
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *TransferError) Unwrap() error {
	return e.Err
}

// IsTransferError returns true if err is a TransferError
func IsTransferError(err error) bool {
	var te *TransferError
	return errors.As(err, &te)
}

// ResumptionUnavailableError means no valid resumable session exists;
// the caller has to restart the download from scratch.
type ResumptionUnavailableError struct {
	DownloadID int64
	Reason     string
	Err        error
}

// Error returns the error message
func (e *ResumptionUnavailableError) Error() string {
	msg := fmt.Sprintf("download %d cannot be resumed", e.DownloadID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ResumptionUnavailableError) Unwrap() error {
	return e.Err
}

// IsResumptionUnavailable returns true if err is a ResumptionUnavailableError
func IsResumptionUnavailable(err error) bool {
	var re *ResumptionUnavailableError
	return errors.As(err, &re)
}

// PersistenceError wraps a failed state store read or write
type PersistenceError struct {
	Operation string // "get", "set", "delete", "apply"
	Key       string
	Err       error
}

// Error returns the error message
func (e *PersistenceError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("state store %s %q failed: %v", e.Operation, e.Key, e.Err)
	}
	return fmt.Sprintf("state store %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsPersistenceError returns true if err is a PersistenceError
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}

// FilesystemError wraps a failed directory, delete or size operation
type FilesystemError struct {
	Operation string
	Path      string
	Err       error
}

// Error returns the error message
func (e *FilesystemError) Error() string {
	return fmt.Sprintf("filesystem %s %s: %v", e.Operation, e.Path, e.Err)
}

// Unwrap returns the underlying error
func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// IsFilesystemError returns true if err is a FilesystemError
func IsFilesystemError(err error) bool {
	var fe *FilesystemError
	return errors.As(err, &fe)
}
