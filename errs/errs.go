// Package errs provides structured error types and helpers for mosaic services.
package errs

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
)

// Code identifies a user-facing error category. The set is closed: every error
// that reaches a caller outside the core is normalised to one of these values.
type Code string

const (
	// CodeInvalid indicates invalid input provided by the caller (file, coordinates, payload).
	CodeInvalid Code = "invalid_request"
	// CodePixelTaken indicates the target cell already has an owner.
	CodePixelTaken Code = "pixel_already_taken"
	// CodeNoFreeCells indicates the available-cell search gave up.
	CodeNoFreeCells Code = "no_free_cells"
	// CodeBusy indicates another claim is already running on this client.
	CodeBusy Code = "busy"
	// CodeCancelled indicates the user cancelled the operation.
	CodeCancelled Code = "cancelled"
	// CodeNetwork indicates a transport failure after retries were exhausted.
	CodeNetwork Code = "network"
	// CodeUploadFailed indicates the image could not be stored or is not reachable.
	CodeUploadFailed Code = "upload_failed"
	// CodeInsufficientBalance indicates the wallet cannot cover price plus fee margin.
	CodeInsufficientBalance Code = "insufficient_balance"
	// CodePaymentFailed indicates the transfer was rejected, reverted or never confirmed.
	CodePaymentFailed Code = "payment_failed"
	// CodeMintFailed indicates the minting endpoint refused or failed the request.
	CodeMintFailed Code = "mint_failed"
	// CodeCommitConflict indicates another client committed ownership first.
	CodeCommitConflict Code = "commit_conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnexpected captures everything that is not otherwise classified.
	CodeUnexpected Code = "unexpected"
)

// E captures structured error information produced across the mosaic stack.
type E struct {
	Op          string
	Code        Code
	HTTP        int
	Message     string
	Remediation string
	Fields      map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the operation and error code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{
		Op:   strings.TrimSpace(op),
		Code: code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = string(CodeUnexpected)
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Fields[k]))
		}
		parts = append(parts, "fields="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Recoverable reports whether the user may retry the same action.
// A taken cell, an exhausted search and a lost commit race close the flow out.
func (e *E) Recoverable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case CodePixelTaken, CodeNoFreeCells, CodeCommitConflict:
		return false
	default:
		return true
	}
}

// CodeOf returns the code of the first envelope in err's chain, or CodeUnexpected.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeUnexpected
}

// Has reports whether err carries the supplied code.
func Has(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// Normalize maps any error onto the closed code set. Context cancellation is
// reported as CodeCancelled; anything unrecognised becomes CodeUnexpected.
func Normalize(op string, err error) *E {
	if err == nil {
		return nil
	}
	var e *E
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return New(op, CodeCancelled, WithMessage("operation cancelled"), WithCause(err))
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(op, CodeNetwork, WithMessage("operation timed out"), WithCause(err))
	}
	return New(op, CodeUnexpected, WithMessage("unexpected error"), WithCause(err))
}
