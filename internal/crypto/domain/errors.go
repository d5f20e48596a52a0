package domain

import (
	"errors"
	"fmt"

	apperrors "github.com/sessionkit/cryptolink/internal/errors"
)

// ErrorCode is the closed set of error codes crossing the crypto layer's
// boundary. Every failure surfaces as a CryptoError carrying one of these
// codes; callers must handle unknown future codes through a default branch.
type ErrorCode string

const (
	// CodeServiceUnavailable indicates the crypto-service could not be
	// reached. Transient: counts toward the circuit breaker threshold.
	CodeServiceUnavailable ErrorCode = "crypto_service_unavailable"

	// CodeOperationTimeout indicates the remote call exceeded its deadline.
	// Transient: counts toward the circuit breaker threshold.
	CodeOperationTimeout ErrorCode = "crypto_operation_timeout"

	// CodeAuthFailed indicates the crypto-service rejected this service's
	// credentials.
	CodeAuthFailed ErrorCode = "crypto_auth_failed"

	// CodeKeyNotFound indicates the requested key version does not exist.
	CodeKeyNotFound ErrorCode = "key_not_found"

	// CodeKeyInvalidState indicates the key exists but its state forbids the
	// requested operation (e.g. encrypting with a deprecated version).
	CodeKeyInvalidState ErrorCode = "key_invalid_state"

	// CodeDecryptionFailed indicates authenticated decryption failed: wrong
	// key version, tampered ciphertext, or AAD mismatch. Fatal for the call;
	// never satisfied by fallback.
	CodeDecryptionFailed ErrorCode = "decryption_failed"

	// CodeAADMismatch indicates the service could attribute the decryption
	// failure specifically to additional-authenticated-data mismatch.
	CodeAADMismatch ErrorCode = "aad_mismatch"

	// CodeEncryptionFailed indicates the encryption operation failed for a
	// non-transient reason.
	CodeEncryptionFailed ErrorCode = "encryption_failed"

	// CodeSignatureInvalid indicates signature verification failed.
	CodeSignatureInvalid ErrorCode = "signature_invalid"

	// CodeSigningFailed indicates the signing operation failed for a
	// non-transient reason.
	CodeSigningFailed ErrorCode = "signing_failed"

	// CodeInvalidArgument indicates the caller supplied bad input.
	CodeInvalidArgument ErrorCode = "invalid_argument"

	// CodeOperationFailed is the generic catch-all for unclassified failures.
	// Non-transient: does not trip the circuit breaker.
	CodeOperationFailed ErrorCode = "crypto_operation_failed"
)

// Transient reports whether the code represents service unavailability rather
// than a caller or data problem. Only transient failures count toward the
// circuit breaker threshold.
func (c ErrorCode) Transient() bool {
	return c == CodeServiceUnavailable || c == CodeOperationTimeout
}

// CryptoError is the only error shape the crypto layer returns to callers.
type CryptoError struct {
	Code          ErrorCode
	Message       string
	CorrelationID string
	Cause         error
}

// NewCryptoError creates a CryptoError with the given code and message.
func NewCryptoError(code ErrorCode, message, correlationID string, cause error) *CryptoError {
	return &CryptoError{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Cause:         cause,
	}
}

// Error implements the error interface.
func (e *CryptoError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (correlation_id=%s): %v", e.Code, e.Message, e.CorrelationID, e.Cause)
	}
	return fmt.Sprintf("%s: %s (correlation_id=%s)", e.Code, e.Message, e.CorrelationID)
}

// Unwrap returns the underlying cause, if any.
func (e *CryptoError) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the error code from err's tree. The second return value is
// false when err carries no CryptoError.
func CodeOf(err error) (ErrorCode, bool) {
	var cryptoErr *CryptoError
	if errors.As(err, &cryptoErr) {
		return cryptoErr.Code, true
	}
	return "", false
}

// IsCode reports whether err carries a CryptoError with the given code.
func IsCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)
	return ok && got == code
}

// IsTransient reports whether err is a transient crypto-service failure that
// should count toward the circuit breaker and may be absorbed by fallback.
func IsTransient(err error) bool {
	code, ok := CodeOf(err)
	return ok && code.Transient()
}

// IsDecryptionFailure reports whether err is a decryption failure, including
// the AAD-mismatch refinement. Only these errors trigger the multi-version
// decrypt retry.
func IsDecryptionFailure(err error) bool {
	code, ok := CodeOf(err)
	return ok && (code == CodeDecryptionFailed || code == CodeAADMismatch)
}

// Envelope and key-ID parse errors wrap the shared invalid-input sentinel so
// handlers can map them uniformly.
var (
	// ErrInvalidKeyID indicates a key ID string did not parse.
	ErrInvalidKeyID = apperrors.Wrap(apperrors.ErrInvalidInput, "invalid key id")

	// ErrInvalidEnvelopeFormat indicates the envelope payload did not parse.
	ErrInvalidEnvelopeFormat = apperrors.Wrap(apperrors.ErrInvalidInput, "invalid envelope format")

	// ErrUnsupportedEnvelopeVersion indicates an envelope format version this
	// build does not understand.
	ErrUnsupportedEnvelopeVersion = apperrors.Wrap(apperrors.ErrInvalidInput, "unsupported envelope format version")
)
