package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidParameter     ErrorCode = 100
	ErrCodeInvalidConfiguration ErrorCode = 101
	ErrCodeInvalidType          ErrorCode = 102
	ErrCodeMissingParameter     ErrorCode = 103

	// Connection errors (200-299)
	ErrCodeAlreadyConnected   ErrorCode = 200
	ErrCodeNotConnected       ErrorCode = 201
	ErrCodeConnectionFailed   ErrorCode = 202
	ErrCodeConnectionClosed   ErrorCode = 203
	ErrCodeDuplicateRequestID ErrorCode = 204

	// Feed errors (300-399)
	ErrCodeNoData         ErrorCode = 300
	ErrCodeFeedError      ErrorCode = 301
	ErrCodeRequestTimeout ErrorCode = 302
	ErrCodeMalformedField ErrorCode = 303
)
