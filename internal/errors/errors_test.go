package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestStepErrorMessage(t *testing.T) {
	err := NewNoDicom("/data/in")
	if got, want := err.Error(), "NO_DICOM: no DICOM folders found in /data/in"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	withStep := err.WithStep("anonymize")
	if got, want := withStep.Error(), "NO_DICOM: anonymize: no DICOM folders found in /data/in"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if err.Step != "" {
		t.Errorf("WithStep mutated the receiver: step = %q", err.Step)
	}
}

func TestIsThroughWrapping(t *testing.T) {
	cause := stderrors.New("exit status 1")
	err := fmt.Errorf("run failed: %w", NewPrediction(cause))

	if !Is(err, ErrPrediction) {
		t.Errorf("Is(err, ErrPrediction) = false, want true")
	}
	if Is(err, ErrIO) {
		t.Errorf("Is(err, ErrIO) = true, want false")
	}
	if !stderrors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
	if CodeOf(err) != ErrPrediction {
		t.Errorf("CodeOf(err) = %s, want %s", CodeOf(err), ErrPrediction)
	}
}

func TestCodeOfPlainError(t *testing.T) {
	if got := CodeOf(stderrors.New("boom")); got != ErrInternal {
		t.Errorf("CodeOf(plain) = %s, want %s", got, ErrInternal)
	}
	if Is(nil, ErrInternal) {
		t.Errorf("Is(nil, ...) = true, want false")
	}
}

func TestNilCauseMessages(t *testing.T) {
	tests := []struct {
		name string
		err  *StepError
		want string
	}{
		{"conversion", NewConversion("convert", nil), "CONVERSION: convert: conversion failed"},
		{"io", NewIO("volume", nil), "IO: volume: i/o error"},
		{"internal", NewInternal(nil), "INTERNAL: internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}
