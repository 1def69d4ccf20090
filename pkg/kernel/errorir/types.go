// Package errorir defines the canonical error taxonomy shared by the causal chain,
// intent graph, marketplace, sandbox and governance layers.
//
// Errors are values, never panics: every layer returns an *Error so the orchestrator's
// repair loop and the governance kernel can inspect the code and classification.
package errorir

// ErrorIR is the RFC 9457 problem-details rendering of an Error.
type ErrorIR struct {
	Type     string      `json:"type"`
	Title    string      `json:"title"`
	Status   int         `json:"status"`
	Detail   string      `json:"detail"`
	Instance string      `json:"instance,omitempty"`
	CCOS     CCOSDetails `json:"ccos"`
}

type CCOSDetails struct {
	ErrorCode           string           `json:"error_code"`
	Namespace           string           `json:"namespace"`
	Classification      string           `json:"classification"`
	CapabilityID        string           `json:"capability_id,omitempty"`
	Expected            string           `json:"expected,omitempty"`
	Actual              string           `json:"actual,omitempty"`
	CanonicalCauseChain []CanonicalCause `json:"canonical_cause_chain,omitempty"`
}

type CanonicalCause struct {
	ErrorCode string `json:"error_code"`
	At        string `json:"at"`
}

// Classification constants
const (
	ClassificationRetryable    = "RETRYABLE"
	ClassificationNonRetryable = "NON_RETRYABLE"
)

// Standard Error Codes
const (
	CodeNotFound               = "CCOS/CORE/RESOURCE/NOT_FOUND"
	CodeSecurityViolation      = "CCOS/CORE/SECURITY/VIOLATION"
	CodeSchemaMismatch         = "CCOS/CORE/VALIDATION/SCHEMA_MISMATCH"
	CodeProviderError          = "CCOS/CORE/EFFECT/PROVIDER_ERROR"
	CodeGovernanceRejection    = "CCOS/CORE/POLICY/GOVERNANCE_REJECTION"
	CodeDependencyNotSatisfied = "CCOS/CORE/INTENT/DEPENDENCY_NOT_SATISFIED"
	CodeInvalidArgument        = "CCOS/CORE/VALIDATION/INVALID_ARGUMENT"
	CodeConflict               = "CCOS/CORE/RESOURCE/CONFLICT"
	CodeExecutionFailed        = "CCOS/CORE/EFFECT/EXECUTION_FAILED"
	CodeTimeout                = "CCOS/CORE/EFFECT/TIMEOUT"
	CodeRateLimited            = "CCOS/CORE/EFFECT/RATE_LIMITED"
)

var titles = map[string]string{
	CodeNotFound:               "Not Found",
	CodeSecurityViolation:      "Security Violation",
	CodeSchemaMismatch:         "Schema Mismatch",
	CodeProviderError:          "Provider Error",
	CodeGovernanceRejection:    "Governance Rejection",
	CodeDependencyNotSatisfied: "Dependency Not Satisfied",
	CodeInvalidArgument:        "Invalid Argument",
	CodeConflict:               "Conflict",
	CodeExecutionFailed:        "Execution Failed",
	CodeTimeout:                "Timeout",
	CodeRateLimited:            "Rate Limited",
}

var statuses = map[string]int{
	CodeNotFound:               404,
	CodeSecurityViolation:      403,
	CodeSchemaMismatch:         422,
	CodeProviderError:          502,
	CodeGovernanceRejection:    403,
	CodeDependencyNotSatisfied: 409,
	CodeInvalidArgument:        400,
	CodeConflict:               409,
	CodeExecutionFailed:        500,
	CodeTimeout:                504,
	CodeRateLimited:            429,
}

// NewErrorIR builds a problem-details document for code.
func NewErrorIR(code, detail, classification string) ErrorIR {
	title, ok := titles[code]
	if !ok {
		title = "Error"
	}
	status, ok := statuses[code]
	if !ok {
		status = 500
	}
	return ErrorIR{
		Type:   "https://ccos.dev/errors/" + code,
		Title:  title,
		Status: status,
		Detail: detail,
		CCOS: CCOSDetails{
			ErrorCode:      code,
			Namespace:      namespaceOf(code),
			Classification: classification,
		},
	}
}

// namespaceOf returns the second path segment, e.g. CCOS/CORE/... -> CORE.
func namespaceOf(code string) string {
	start := -1
	for i := 0; i < len(code); i++ {
		if code[i] != '/' {
			continue
		}
		if start < 0 {
			start = i + 1
			continue
		}
		return code[start:i]
	}
	return "UNKNOWN"
}
