// Package rejection defines the closed error taxonomy for intake failures
// and the pipeline that relocates and reports rejected zips.
package rejection

import (
	"errors"
	"fmt"
)

// ErrorCode is the fixed set of codes an intake failure maps to. Anything
// that cannot be mapped is a configuration defect and must fail loudly.
type ErrorCode string

const (
	CodeZipInvalid        ErrorCode = "ERR_ZIP_INVALID"
	CodeMetafileInvalid   ErrorCode = "ERR_METAFILE_INVALID"
	CodeSignatureFailure  ErrorCode = "ERR_SIGNATURE_FAILURE"
	CodeDisallowedDocType ErrorCode = "ERR_DISALLOWED_DOC_TYPE"
	CodePaymentsDisabled  ErrorCode = "ERR_PAYMENTS_DISABLED"
	CodeServiceDisabled   ErrorCode = "ERR_SERVICE_DISABLED"
	CodeFileCountMismatch ErrorCode = "ERR_FILE_COUNT_MISMATCH"
	CodeOcrDataInvalid    ErrorCode = "ERR_OCR_DATA_INVALID"
	CodeRescanNotFound    ErrorCode = "ERR_RESCAN_NOT_FOUND"
)

// RejectionError is a terminal validation failure. The zip is moved to the
// rejected container and an error notification is dispatched; it is never
// retried automatically.
type RejectionError struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *RejectionError) Unwrap() error { return e.Cause }

// Reject builds a terminal rejection.
func Reject(code ErrorCode, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds a terminal rejection carrying its cause.
func Wrap(code ErrorCode, cause error, format string, args ...any) *RejectionError {
	return &RejectionError{Code: code, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// RetryableError marks a transient failure: the blob is left untouched and
// retried on the next scan cycle.
type RetryableError struct {
	Cause error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Cause) }
func (e *RetryableError) Unwrap() error { return e.Cause }

// Retryable wraps err as transient.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Cause: err}
}

// AsRejection extracts a RejectionError, if err carries one.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var r *RetryableError
	return errors.As(err, &r)
}
