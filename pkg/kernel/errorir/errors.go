package errorir

import (
	"errors"
	"fmt"
)

// Error is the typed error carried across every core boundary.
type Error struct {
	Code           string `json:"code"`
	Classification string `json:"classification"`
	Message        string `json:"message"`
	CapabilityID   string `json:"capability_id,omitempty"`
	Expected       string `json:"expected,omitempty"`
	Actual         string `json:"actual,omitempty"`
	Err            error  `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.CapabilityID != "" {
		msg += " (capability " + e.CapabilityID + ")"
	}
	if e.Expected != "" || e.Actual != "" {
		msg += fmt.Sprintf(" [expected %s, got %s]", e.Expected, e.Actual)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether a caller may retry the failed operation.
func (e *Error) Retryable() bool {
	return e.Classification == ClassificationRetryable
}

// WithCapability returns a copy of e tagged with the capability id.
func (e *Error) WithCapability(id string) *Error {
	cp := *e
	cp.CapabilityID = id
	return &cp
}

// ToErrorIR renders the error as a problem-details document.
func (e *Error) ToErrorIR() ErrorIR {
	ir := NewErrorIR(e.Code, e.Message, e.Classification)
	ir.CCOS.CapabilityID = e.CapabilityID
	ir.CCOS.Expected = e.Expected
	ir.CCOS.Actual = e.Actual
	var inner *Error
	if errors.As(e.Err, &inner) {
		ir.CCOS.CanonicalCauseChain = append(ir.CCOS.CanonicalCauseChain, CanonicalCause{
			ErrorCode: inner.Code,
			At:        "/" + inner.CapabilityID,
		})
	}
	return ir
}

func newError(code, classification, format string, args ...any) *Error {
	return &Error{
		Code:           code,
		Classification: classification,
		Message:        fmt.Sprintf(format, args...),
	}
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, ClassificationNonRetryable, format, args...)
}

// SecurityViolation is fatal and never retried internally.
func SecurityViolation(format string, args ...any) *Error {
	return newError(CodeSecurityViolation, ClassificationNonRetryable, format, args...)
}

// SchemaMismatch carries the expected and actual shapes for the caller's repair loop.
func SchemaMismatch(capabilityID, expected, actual string, cause error) *Error {
	return &Error{
		Code:           CodeSchemaMismatch,
		Classification: ClassificationNonRetryable,
		Message:        "input or output does not match declared schema",
		CapabilityID:   capabilityID,
		Expected:       expected,
		Actual:         actual,
		Err:            cause,
	}
}

// ProviderError wraps a provider-level failure; transient ones are marked retryable.
func ProviderError(capabilityID string, transient bool, cause error) *Error {
	class := ClassificationNonRetryable
	if transient {
		class = ClassificationRetryable
	}
	return &Error{
		Code:           CodeProviderError,
		Classification: class,
		Message:        "provider call failed",
		CapabilityID:   capabilityID,
		Err:            cause,
	}
}

func GovernanceRejection(format string, args ...any) *Error {
	return newError(CodeGovernanceRejection, ClassificationNonRetryable, format, args...)
}

func DependencyNotSatisfied(format string, args ...any) *Error {
	return newError(CodeDependencyNotSatisfied, ClassificationNonRetryable, format, args...)
}

func InvalidArgument(format string, args ...any) *Error {
	return newError(CodeInvalidArgument, ClassificationNonRetryable, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(CodeConflict, ClassificationNonRetryable, format, args...)
}

func ExecutionFailed(format string, args ...any) *Error {
	return newError(CodeExecutionFailed, ClassificationNonRetryable, format, args...)
}

func Timeout(format string, args ...any) *Error {
	return newError(CodeTimeout, ClassificationRetryable, format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return newError(CodeRateLimited, ClassificationRetryable, format, args...)
}

// Is reports whether any *Error in err's chain carries code.
func Is(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// IsRetryable reports whether the outermost *Error in err's chain is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// CodeOf returns the outermost error code, or CodeExecutionFailed for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeExecutionFailed
}
