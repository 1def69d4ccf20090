package errorir

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityViolationIsNeverRetryable(t *testing.T) {
	err := SecurityViolation("capability %s not granted", "ccos.io.write")
	assert.False(t, err.Retryable())
	assert.False(t, IsRetryable(err))
	assert.Equal(t, CodeSecurityViolation, CodeOf(err))
}

func TestProviderErrorClassification(t *testing.T) {
	transient := ProviderError("weather.get", true, errors.New("503"))
	permanent := ProviderError("weather.get", false, errors.New("400"))

	assert.True(t, IsRetryable(transient))
	assert.False(t, IsRetryable(permanent))
	assert.Contains(t, transient.Error(), "weather.get")
}

func TestIsWalksWrappedChain(t *testing.T) {
	inner := SchemaMismatch("echo", "object", "string", nil)
	outer := ProviderError("echo", false, inner)
	wrapped := fmt.Errorf("step 1: %w", outer)

	assert.True(t, Is(wrapped, CodeProviderError))
	assert.True(t, Is(wrapped, CodeSchemaMismatch))
	assert.False(t, Is(wrapped, CodeNotFound))
	assert.False(t, Is(errors.New("plain"), CodeNotFound))
}

func TestSchemaMismatchCarriesExpectedActual(t *testing.T) {
	err := SchemaMismatch("echo", "string", "number", nil)
	assert.Contains(t, err.Error(), "expected string, got number")

	ir := err.ToErrorIR()
	assert.Equal(t, 422, ir.Status)
	assert.Equal(t, "CORE", ir.CCOS.Namespace)
	assert.Equal(t, "echo", ir.CCOS.CapabilityID)
	assert.Equal(t, "string", ir.CCOS.Expected)
}

func TestToErrorIRRecordsCause(t *testing.T) {
	inner := NotFound("capability missing").WithCapability("a.b")
	outer := ProviderError("a.b", false, inner)

	ir := outer.ToErrorIR()
	require.Len(t, ir.CCOS.CanonicalCauseChain, 1)
	assert.Equal(t, CodeNotFound, ir.CCOS.CanonicalCauseChain[0].ErrorCode)
}

func TestNewErrorIRUnknownCode(t *testing.T) {
	ir := NewErrorIR("X", "boom", ClassificationNonRetryable)
	assert.Equal(t, 500, ir.Status)
	assert.Equal(t, "UNKNOWN", ir.CCOS.Namespace)
}
