package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Authentication errors
// 12000-12999: Assignment errors
// 13000-13999: Submission & Grading errors
// 14000-14999: Grading script deployment errors
// 16000-16999: Admin & Permission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError     ErrorCode = 10100
	RecordNotFound    ErrorCode = 10101
	TransactionFailed ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError ErrorCode = 10200

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Authentication Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Assignment Errors (12000-12999) ==========

	AssignmentNotFound ErrorCode = 12000
	SubmissionsClosed  ErrorCode = 12001

	// ========== Submission & Grading Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	ArchiveTooLarge        ErrorCode = 13002
	ArchiveInvalid         ErrorCode = 13003
	SubmitTooFrequently    ErrorCode = 13004
	ArtifactStoreFailed    ErrorCode = 13005

	// Grading (13100-13199)
	DispatchFailed     ErrorCode = 13100
	ResultInvalid      ErrorCode = 13101
	StatusUpdateFailed ErrorCode = 13102

	// ========== Grading Script Errors (14000-14999) ==========

	ScriptNotFound     ErrorCode = 14000
	ScriptInvalid      ErrorCode = 14001
	ScriptDeployFailed ErrorCode = 14002
	ScriptTooLarge     ErrorCode = 14003

	// ========== Admin & Permission Errors (16000-16999) ==========

	// Permission (16000-16099)
	PermissionDenied       ErrorCode = 16000
	InsufficientPermission ErrorCode = 16001
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:     "Database operation failed",
	RecordNotFound:    "Record not found in database",
	TransactionFailed: "Database transaction failed",

	// Cache
	CacheError: "Cache operation failed",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Authentication
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Assignment
	AssignmentNotFound: "Assignment not found",
	SubmissionsClosed:  "Assignment is not accepting submissions",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	ArchiveTooLarge:        "Submission archive is too large",
	ArchiveInvalid:         "Submission archive is not a valid zip file",
	SubmitTooFrequently:    "Submitting too frequently, please wait",
	ArtifactStoreFailed:    "Failed to store submission archive",

	// Grading
	DispatchFailed:     "Grading worker call failed",
	ResultInvalid:      "Invalid grading result",
	StatusUpdateFailed: "Failed to update submission status",

	// Grading script
	ScriptNotFound:     "Grading script has not been deployed",
	ScriptInvalid:      "Invalid grading script",
	ScriptDeployFailed: "Failed to deploy grading script",
	ScriptTooLarge:     "Grading script is too large",

	// Permission
	PermissionDenied:       "Permission denied",
	InsufficientPermission: "Insufficient permission",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c == SubmissionsClosed, c >= 16000 && c < 16100: // Permission errors
		return 403
	case c == NotFound, c == RecordNotFound, c == AssignmentNotFound, c == SubmissionNotFound, c == ScriptNotFound:
		return 404
	case c == ArchiveTooLarge, c == ScriptTooLarge:
		return 413
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == ServiceUnavailable:
		return 503
	case c >= 10300 && c < 10400: // Validation errors
		return 400
	case c == InvalidParams, c == ArchiveInvalid, c == ResultInvalid, c == ScriptInvalid:
		return 400
	default:
		return 500
	}
}
