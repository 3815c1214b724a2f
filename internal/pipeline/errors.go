package pipeline

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	AcquisitionError   ErrorKind = "acquisition"
	TranscriptionError ErrorKind = "transcription"
	PackagingError     ErrorKind = "packaging"
)

// StageError is the failure outcome of one stage.
type StageError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageErr(kind ErrorKind, msg string, err error) *StageError {
	return &StageError{Kind: kind, Message: msg, Err: err}
}

// KindOf returns the stage kind of err, or "" when err is not a StageError.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

var ErrQueueFull = errors.New("job queue is full")
