package resilience

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
)

// Kind names a pipeline failure class. Kinds decide scope (item, chunk or
// job) and whether the owning job may be retried.
type Kind string

const (
	KindExtraction          Kind = "ExtractionFailure"
	KindPatternCoverageLow  Kind = "PatternCoverageLow"
	KindLLMStructuring      Kind = "LLMStructuringFailure"
	KindValidation          Kind = "ValidationFailure"
	KindCurrencyUnavailable Kind = "CurrencyUnavailable"
	KindDuplicateConflict   Kind = "DuplicateConflict"
	KindRetryExhausted      Kind = "JobRetryExhausted"
	KindStoreConflict       Kind = "StoreConflict"
	KindTimeout             Kind = "Timeout"
	KindUnknown             Kind = ""
)

// Retryable reports whether a job failing with this kind should be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindExtraction, KindStoreConflict, KindTimeout:
		return true
	}
	return false
}

// KindError tags an error with its taxonomy kind.
type KindError struct {
	Kind      Kind
	Err       error
	Transient bool
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError tags err with kind, using the kind's default retryability.
func NewKindError(kind Kind, err error) *KindError {
	return &KindError{Kind: kind, Err: err, Transient: kind.Retryable()}
}

// Permanent tags err with kind without the kind's default retryability.
// A transient cause in err still makes it retryable.
func Permanent(kind Kind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

// Errorf creates a tagged error with an eris-formatted message.
func Errorf(kind Kind, format string, args ...any) *KindError {
	return NewKindError(kind, eris.Errorf(format, args...))
}

// KindOf returns the kind of the outermost KindError in err's chain.
// Deadline errors without a tag report KindTimeout.
func KindOf(err error) Kind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable is the job-level retry decision. Tagged errors follow their tag,
// deadlines are retryable, and untagged errors fall back to IsTransient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Transient || IsTransient(ke.Err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return IsTransient(err)
}
