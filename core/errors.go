package core

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Error kinds
var (
	// ErrFileNotFound indicates the source locator does not exist
	ErrFileNotFound = errors.New("file not found")

	// ErrUnsupportedFormat indicates no codec can handle the source or target container
	ErrUnsupportedFormat = errors.New("unsupported file format")

	// ErrCorruptedFile indicates the source is recognised but cannot be decoded
	ErrCorruptedFile = errors.New("file is corrupted or unreadable")

	// ErrInsufficientSpace indicates the destination ran out of space
	ErrInsufficientSpace = errors.New("insufficient storage space")

	// ErrDRMProtected indicates protected content that must not be remuxed
	ErrDRMProtected = errors.New("file is DRM protected")

	// ErrProcessingFailed indicates a decode, encode, writer or verification fault
	ErrProcessingFailed = errors.New("processing failed")

	// ErrCancelled indicates cooperative cancellation was observed
	ErrCancelled = errors.New("operation was cancelled")

	// ErrNetworkRequired indicates the source is not materialised locally
	ErrNetworkRequired = errors.New("file needs to be downloaded first")

	// ErrPermissionDenied indicates the source or destination is not accessible
	ErrPermissionDenied = errors.New("permission denied")
)

// ErrorKind is the stable machine-readable name of an error kind.
type ErrorKind string

const (
	KindFileNotFound      ErrorKind = "fileNotFound"
	KindUnsupportedFormat ErrorKind = "unsupportedFormat"
	KindCorruptedFile     ErrorKind = "corruptedFile"
	KindInsufficientSpace ErrorKind = "insufficientSpace"
	KindDRMProtected      ErrorKind = "drmProtected"
	KindProcessingFailed  ErrorKind = "processingFailed"
	KindCancelled         ErrorKind = "cancelled"
	KindNetworkRequired   ErrorKind = "networkRequired"
	KindPermissionDenied  ErrorKind = "permissionDenied"
)

var kindSentinels = map[ErrorKind]error{
	KindFileNotFound:      ErrFileNotFound,
	KindUnsupportedFormat: ErrUnsupportedFormat,
	KindCorruptedFile:     ErrCorruptedFile,
	KindInsufficientSpace: ErrInsufficientSpace,
	KindDRMProtected:      ErrDRMProtected,
	KindProcessingFailed:  ErrProcessingFailed,
	KindCancelled:         ErrCancelled,
	KindNetworkRequired:   ErrNetworkRequired,
	KindPermissionDenied:  ErrPermissionDenied,
}

var kindMessages = map[ErrorKind]string{
	KindFileNotFound:      "File not found",
	KindUnsupportedFormat: "Unsupported file format",
	KindCorruptedFile:     "File is corrupted or unreadable",
	KindInsufficientSpace: "Insufficient storage space",
	KindDRMProtected:      "File is DRM protected and cannot be processed",
	KindProcessingFailed:  "Processing failed",
	KindCancelled:         "Operation was cancelled",
	KindNetworkRequired:   "File needs to be downloaded first",
	KindPermissionDenied:  "Permission denied",
}

// CleaningError is a typed sanitization failure. It matches its kind's
// sentinel and its cause with errors.Is.
type CleaningError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *CleaningError) Error() string {
	msg := kindMessages[e.Kind]
	if e.Reason != "" {
		return msg + ": " + e.Reason
	}
	return msg
}

func (e *CleaningError) Unwrap() []error {
	errs := []error{kindSentinels[e.Kind]}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds a CleaningError of the given kind wrapping cause.
func NewError(kind ErrorKind, cause error) *CleaningError {
	return &CleaningError{Kind: kind, Err: cause}
}

// ProcessingFailed builds a processing failure with a human-readable reason.
func ProcessingFailed(reason string, args ...any) *CleaningError {
	return &CleaningError{Kind: KindProcessingFailed, Reason: fmt.Sprintf(reason, args...)}
}

// WrapProcessing wraps cause as a processing failure; the reason is
// prefix followed by the cause's text.
func WrapProcessing(cause error, prefix string) *CleaningError {
	reason := prefix
	switch {
	case cause != nil && prefix == "":
		reason = cause.Error()
	case cause != nil:
		reason = prefix + ": " + cause.Error()
	}
	return &CleaningError{Kind: KindProcessingFailed, Reason: reason, Err: cause}
}

// KindOf classifies any error into the taxonomy. Unknown errors are
// processing failures.
func KindOf(err error) ErrorKind {
	var ce *CleaningError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return ce.Kind
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return KindCancelled
	case errors.Is(err, fs.ErrNotExist):
		return KindFileNotFound
	case errors.Is(err, fs.ErrPermission):
		return KindPermissionDenied
	case errors.Is(err, syscall.ENOSPC):
		return KindInsufficientSpace
	}
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindProcessingFailed
}

// Classify returns err as a *CleaningError, classifying foreign errors.
func Classify(err error) *CleaningError {
	if err == nil {
		return nil
	}
	var ce *CleaningError
	if errors.As(err, &ce) {
		return ce
	}
	kind := KindOf(err)
	if kind == KindProcessingFailed {
		return WrapProcessing(err, "")
	}
	return NewError(kind, err)
}

// Message returns the user-visible text for err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	return Classify(err).Error()
}
