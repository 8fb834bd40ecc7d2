package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13099: Grading configuration errors
// 13100-13199: Build & sandbox errors
// 13200-13299: Process execution errors
// 13300-13399: Report errors
// 14000-14999: Infrastructure errors (storage, queue, cache)

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Grading Configuration Errors (13000-13099) ==========

	GraderConfigInvalid ErrorCode = 13000
	TestCaseInvalid     ErrorCode = 13001
	FixtureNotFound     ErrorCode = 13002
	UnknownTestVariant  ErrorCode = 13003

	// ========== Build & Sandbox Errors (13100-13199) ==========

	MissingSubmissionFiles ErrorCode = 13100
	StagingFailed          ErrorCode = 13101
	CompilationError       ErrorCode = 13102
	SandboxCreateFailed    ErrorCode = 13103

	// ========== Process Execution Errors (13200-13299) ==========

	ProcessTimeout     ErrorCode = 13200
	ProcessFailed      ErrorCode = 13201
	CaptureFailed      ErrorCode = 13202
	CustomScorerFailed ErrorCode = 13203

	// ========== Report Errors (13300-13399) ==========

	ReportEncodeFailed  ErrorCode = 13300
	ReportPublishFailed ErrorCode = 13301

	// ========== Infrastructure Errors (14000-14999) ==========

	StorageError   ErrorCode = 14000
	DataPackError  ErrorCode = 14001
	QueueError     ErrorCode = 14100
	CacheError     ErrorCode = 14200
	CacheSetFailed ErrorCode = 14202
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Grading configuration
	GraderConfigInvalid: "Invalid grader configuration",
	TestCaseInvalid:     "Invalid test case specification",
	FixtureNotFound:     "Test fixture not found",
	UnknownTestVariant:  "Unrecognized test case variant",

	// Build & sandbox
	MissingSubmissionFiles: "Required submission files are missing",
	StagingFailed:          "Failed to stage files into the sandbox",
	CompilationError:       "Compilation error",
	SandboxCreateFailed:    "Failed to create sandbox directory",

	// Process execution
	ProcessTimeout:     "Process timed out",
	ProcessFailed:      "Process terminated abnormally",
	CaptureFailed:      "Failed to capture process output",
	CustomScorerFailed: "Custom scorer failed",

	// Report
	ReportEncodeFailed:  "Failed to encode report",
	ReportPublishFailed: "Failed to publish report",

	// Infrastructure
	StorageError:   "Object storage operation failed",
	DataPackError:  "Fixture data pack operation failed",
	QueueError:     "Message queue operation failed",
	CacheError:     "Cache operation failed",
	CacheSetFailed: "Failed to set cache",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Fatal reports whether an error with this code must abort the grading run
// instead of being recorded in a rubric.
func (c ErrorCode) Fatal() bool {
	switch {
	case c == GraderConfigInvalid, c == TestCaseInvalid, c == FixtureNotFound, c == UnknownTestVariant:
		return true
	case c == StagingFailed, c == SandboxCreateFailed, c == InternalServerError:
		return true
	case c >= 10300 && c < 10400: // Validation errors
		return true
	default:
		return false
	}
}
