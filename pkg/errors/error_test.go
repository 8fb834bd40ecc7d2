package errors_test

import (
	"errors"
	"fmt"
	"testing"

	. "fuzgrader/pkg/errors"
)

func TestErrorCode_Message(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{Success, "Success"},
		{ProcessTimeout, "Process timed out"},
		{InvalidParams, "Invalid parameters"},
		{StagingFailed, "Failed to stage files into the sandbox"},
		{ErrorCode(99999), "Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.code.Message(); got != tt.want {
				t.Errorf("Message() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorCode_Fatal(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want bool
	}{
		{GraderConfigInvalid, true},
		{UnknownTestVariant, true},
		{StagingFailed, true},
		{ValidationFailed, true},
		{MissingSubmissionFiles, false},
		{CompilationError, false},
		{ProcessTimeout, false},
		{ProcessFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.code.Message(), func(t *testing.T) {
			if got := tt.code.Fatal(); got != tt.want {
				t.Errorf("Fatal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	err := New(ProcessFailed)

	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Code != ProcessFailed {
		t.Errorf("Code = %v, want %v", err.Code, ProcessFailed)
	}
	if err.Error() != ProcessFailed.Message() {
		t.Errorf("Error() = %v, want %v", err.Error(), ProcessFailed.Message())
	}
	if err.Stack == "" {
		t.Error("Stack should be captured")
	}
}

func TestNewf(t *testing.T) {
	err := Newf(ProcessTimeout, "timed out after %d ms", 100)

	want := "timed out after 100 ms"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("permission denied")
	err := Wrapf(originalErr, StagingFailed, "copy a.c failed")

	if !errors.Is(err, originalErr) {
		t.Error("errors.Is should find the wrapped error")
	}
	if err.Code != StagingFailed {
		t.Errorf("Code = %v, want %v", err.Code, StagingFailed)
	}
	if Wrap(nil, StagingFailed) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestGetCodeThroughFmtWrap(t *testing.T) {
	inner := New(ProcessTimeout)
	outer := fmt.Errorf("run test: %w", inner)

	if got := GetCode(outer); got != ProcessTimeout {
		t.Errorf("GetCode() = %v, want %v", got, ProcessTimeout)
	}
	if !Is(outer, ProcessTimeout) {
		t.Error("Is() should see through fmt wrapping")
	}
	if GetCode(errors.New("plain")) != InternalServerError {
		t.Error("plain errors should map to InternalServerError")
	}
	if GetCode(nil) != Success {
		t.Error("nil error should map to Success")
	}
}

func TestConfigError(t *testing.T) {
	err := ConfigError("required_files", "must not be empty")

	if err.Code != GraderConfigInvalid {
		t.Errorf("Code = %v, want %v", err.Code, GraderConfigInvalid)
	}
	if err.Details["field"] != "required_files" {
		t.Errorf("Details[field] = %v", err.Details["field"])
	}
	if !IsFatal(err) {
		t.Error("config errors must be fatal")
	}
}

func TestIsFatal(t *testing.T) {
	if IsFatal(nil) {
		t.Error("nil is not fatal")
	}
	if IsFatal(New(ProcessTimeout)) {
		t.Error("timeouts are recoverable")
	}
	if !IsFatal(errors.New("unknown")) {
		t.Error("uncoded errors are fatal")
	}
}
