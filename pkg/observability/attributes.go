package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/ccos/core/pkg/kernel/errorir"
)

// Semantic convention attributes.
var (
	AttrCapabilityID = attribute.Key("ccos.capability.id")
	AttrProviderType = attribute.Key("ccos.capability.provider")
	AttrPlanID       = attribute.Key("ccos.plan.id")
	AttrIntentID     = attribute.Key("ccos.intent.id")
	AttrStepIndex    = attribute.Key("ccos.plan.step")
	AttrDecision     = attribute.Key("ccos.governance.decision")
	AttrStage        = attribute.Key("ccos.governance.stage")
	AttrExecMode     = attribute.Key("ccos.governance.mode")
	AttrErrorCode    = attribute.Key("ccos.error.code")
)

// CapabilityOperation creates attributes for one capability execution.
func CapabilityOperation(capabilityID, providerType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityID.String(capabilityID),
		AttrProviderType.String(providerType),
	}
}

// PlanOperation creates attributes for a plan run.
func PlanOperation(planID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrExecMode.String(mode),
	}
}

// GovernanceOperation creates attributes for a governance decision.
func GovernanceOperation(planID, decision string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrDecision.String(decision),
	}
}

// ErrorCode returns the taxonomy code for err, "" for nil.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	return errorir.CodeOf(err)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}
