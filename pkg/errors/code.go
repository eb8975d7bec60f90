package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Auth errors (operator tokens)
// 12000-12999: Problem data errors
// 13000-13999: Submission & Judge errors
// 16000-16999: Permission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

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
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// ========== Auth Errors (11000-11999) ==========

	TokenExpired ErrorCode = 11003
	TokenInvalid ErrorCode = 11004

	// ========== Problem Data Errors (12000-12999) ==========

	ProblemNotFound  ErrorCode = 12000
	TestCaseNotFound ErrorCode = 12100
	TestCaseInvalid  ErrorCode = 12102

	// ========== Submission & Judge Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound   ErrorCode = 13000
	LanguageNotSupported ErrorCode = 13003

	// Judge (13100-13199)
	JudgeQueueFull          ErrorCode = 13100
	JudgeSystemError        ErrorCode = 13101
	CompilationError        ErrorCode = 13102
	RuntimeError            ErrorCode = 13103
	TimeLimitExceeded       ErrorCode = 13104
	MemoryLimitExceeded     ErrorCode = 13105
	OutputLimitExceeded     ErrorCode = 13106
	JudgeProcessNotFound    ErrorCode = 13110
	JudgeProcessNotTerminal ErrorCode = 13111
	JudgeProcessConflict    ErrorCode = 13112
	JudgeCaseDataInvalid    ErrorCode = 13113
	SandboxUnavailable      ErrorCode = 13120

	// ========== Permission Errors (16000-16999) ==========

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
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Auth
	TokenExpired: "Token has expired",
	TokenInvalid: "Invalid token",

	// Problem data
	ProblemNotFound:  "Problem not found",
	TestCaseNotFound: "Test case not found",
	TestCaseInvalid:  "Invalid test case format",

	// Submission
	SubmissionNotFound:   "Submission not found",
	LanguageNotSupported: "Programming language not supported",

	// Judge
	JudgeQueueFull:          "Judge queue is full, please try again later",
	JudgeSystemError:        "Judge system error",
	CompilationError:        "Compilation error",
	RuntimeError:            "Runtime error",
	TimeLimitExceeded:       "Time limit exceeded",
	MemoryLimitExceeded:     "Memory limit exceeded",
	OutputLimitExceeded:     "Output limit exceeded",
	JudgeProcessNotFound:    "Judge process not found",
	JudgeProcessNotTerminal: "Judge process has not finished",
	JudgeProcessConflict:    "Judge process state changed concurrently",
	JudgeCaseDataInvalid:    "Judge case data is invalid",
	SandboxUnavailable:      "Sandbox executor unavailable",

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
	case c == Forbidden, c >= 16000 && c < 16100:
		return 403
	case c == NotFound, c == ProblemNotFound, c == SubmissionNotFound, c == JudgeProcessNotFound:
		return 404
	case c == JudgeProcessConflict, c == JudgeProcessNotTerminal:
		return 409
	case c == TooManyRequests, c == JudgeQueueFull:
		return 429
	case c == ServiceUnavailable, c == SandboxUnavailable:
		return 503
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == LanguageNotSupported:
		return 400
	case c == JudgeCaseDataInvalid, c == TestCaseInvalid:
		return 422
	default:
		return 500
	}
}
