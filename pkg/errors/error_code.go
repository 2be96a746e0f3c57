package errors

// ErrorCode identifies a failure class. The ranges mirror how the core
// handles each class: transport failures are retried with bounded attempts,
// data-unavailable failures are surfaced immediately, malformed events are
// dropped, invariant violations are clamped and reported.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Transport errors (100-149): venue call or connection failures.
	// Retryable with bounded attempts and a fixed delay.
	ErrCodeTransport       ErrorCode = 100
	ErrCodeVenueCallFailed ErrorCode = 101
	ErrCodeConnectionLost  ErrorCode = 102
	ErrCodeReconnectFailed ErrorCode = 103

	// Terminal transport outcomes (150-199): the retry budget is already
	// spent or the call was aborted. Never fed back into a retry loop.
	ErrCodeRetryExhausted     ErrorCode = 150
	ErrCodeSnapshotUnreadable ErrorCode = 151

	// Data errors (200-299): the requested data does not exist.
	// Never retried, since retrying cannot produce data that doesn't exist.
	ErrCodeDataUnavailable    ErrorCode = 200
	ErrCodeNoFillPrice        ErrorCode = 201
	ErrCodeEmptySeries        ErrorCode = 202
	ErrCodeUnknownInstrument  ErrorCode = 203
	ErrCodeHistoryQueryFailed ErrorCode = 204

	// Event errors (300-399): unparseable or untagged push messages.
	ErrCodeMalformedEvent ErrorCode = 300
	ErrCodeMissingTopic   ErrorCode = 301
	ErrCodeBadPayload     ErrorCode = 302

	// Invariant violations (400-499): programming-contract breaches in
	// position or wallet arithmetic.
	ErrCodeInvariant     ErrorCode = 400
	ErrCodeNegativeSize  ErrorCode = 401
	ErrCodeValueSizeSkew ErrorCode = 402
	ErrCodeDuplicateExec ErrorCode = 403
	ErrCodeClockWentBack ErrorCode = 404

	// Configuration and validation errors (500-599)
	ErrCodeInvalidConfig       ErrorCode = 500
	ErrCodeInvalidOrderRequest ErrorCode = 501
	ErrCodeInvalidTopic        ErrorCode = 502
	ErrCodeInvalidTimeframe    ErrorCode = 503

	// ErrCodeUnknownTopic marks a well-formed topic tag for a feed kind the
	// core does not track. Callers drop the event without treating it as
	// malformed input.
	ErrCodeUnknownTopic ErrorCode = 504
)

// IsRetryable reports whether an error belongs to the transport class,
// the only class a caller should ever retry. Terminal transport outcomes
// such as an exhausted retry budget are excluded.
func IsRetryable(err error) bool {
	code := GetCode(err)

	return code >= 100 && code < 150
}
