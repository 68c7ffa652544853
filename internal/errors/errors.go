package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents an airwayseg error code.
type ErrorCode string

const (
	ErrInvalidInput ErrorCode = "INVALID_INPUT"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrNoDicom      ErrorCode = "NO_DICOM"
	ErrNoNifti      ErrorCode = "NO_NIFTI"
	ErrConversion   ErrorCode = "CONVERSION"
	ErrPrediction   ErrorCode = "PREDICTION"
	ErrIO           ErrorCode = "IO"
	ErrInternal     ErrorCode = "INTERNAL"
)

// StepError is a structured error raised by one processing step.
type StepError struct {
	Code    ErrorCode
	Step    string
	Message string
	Details map[string]any
	Err     error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewInvalidInput creates an error for unusable user input (missing folder, bad option).
func NewInvalidInput(msg string) *StepError {
	return &StepError{
		Code:    ErrInvalidInput,
		Message: msg,
	}
}

// NewNotFound creates an error for a path that does not exist.
func NewNotFound(path string) *StepError {
	return &StepError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("path not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewNoDicom creates an error for a tree without any DICOM folder.
func NewNoDicom(dir string) *StepError {
	return &StepError{
		Code:    ErrNoDicom,
		Message: fmt.Sprintf("no DICOM folders found in %s", dir),
		Details: map[string]any{"path": dir},
	}
}

// NewNoNifti creates an error for a folder without NIfTI files.
func NewNoNifti(dir string) *StepError {
	return &StepError{
		Code:    ErrNoNifti,
		Message: fmt.Sprintf("no NIfTI files found in %s", dir),
		Details: map[string]any{"path": dir},
	}
}

// NewConversion wraps a failure while converting between formats.
func NewConversion(step string, err error) *StepError {
	return &StepError{
		Code:    ErrConversion,
		Step:    step,
		Message: errMessage(err, "conversion failed"),
		Err:     err,
	}
}

// NewPrediction wraps a failure of the external segmentation tool.
func NewPrediction(err error) *StepError {
	return &StepError{
		Code:    ErrPrediction,
		Step:    "predict",
		Message: errMessage(err, "prediction failed"),
		Err:     err,
	}
}

// NewIO wraps a filesystem failure.
func NewIO(step string, err error) *StepError {
	return &StepError{
		Code:    ErrIO,
		Step:    step,
		Message: errMessage(err, "i/o error"),
		Err:     err,
	}
}

// NewInternal creates an error for unexpected internal failures.
func NewInternal(err error) *StepError {
	return &StepError{
		Code:    ErrInternal,
		Message: errMessage(err, "internal error"),
		Err:     err,
	}
}

// WithStep returns a copy of e attributed to the given step.
func (e *StepError) WithStep(step string) *StepError {
	c := *e
	c.Step = step
	return &c
}

// Is checks if an error (or anything it wraps) is a StepError with the given code.
func Is(err error, code ErrorCode) bool {
	var sErr *StepError
	if stderrors.As(err, &sErr) {
		return sErr.Code == code
	}
	return false
}

// CodeOf returns the code of err, or ErrInternal when err is not a StepError.
func CodeOf(err error) ErrorCode {
	var sErr *StepError
	if stderrors.As(err, &sErr) {
		return sErr.Code
	}
	return ErrInternal
}

func errMessage(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
