package models

import (
	"errors"
	"fmt"
)

// StorageError reports that the backing store was unavailable or failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a reference to a chat session that does not exist.
type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// BackendError wraps a failed call to the conversational backend.
type BackendError struct {
	Provider string
	Err      error
}

func (e *BackendError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("backend: %v", e.Err)
	}
	return fmt.Sprintf("backend %s: %v", e.Provider, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// SpeechErrorKind classifies speech recognition failures.
type SpeechErrorKind string

const (
	SpeechTimeout      SpeechErrorKind = "timeout"
	SpeechUnrecognized SpeechErrorKind = "unrecognized"
	SpeechConnectivity SpeechErrorKind = "connectivity"
	SpeechDevice       SpeechErrorKind = "device"
)

// SpeechError wraps a failed speech recognition.
type SpeechError struct {
	Kind SpeechErrorKind
	Err  error
}

func (e *SpeechError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("speech %s", e.Kind)
	}
	return fmt.Sprintf("speech %s: %v", e.Kind, e.Err)
}

func (e *SpeechError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
