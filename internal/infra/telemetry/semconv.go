package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for mosaic telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation differentiates operations within a component (load_range, find_available, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, fallback, error).
	AttrResult = attribute.Key("result")
	// AttrEventType captures the change-feed event classification (INSERT, UPDATE, DELETE).
	AttrEventType = attribute.Key("event.type")
	// AttrStage labels claim pipeline telemetry with the step being executed.
	AttrStage = attribute.Key("claim.stage")
	// AttrErrorCode stores the normalized error code.
	AttrErrorCode = attribute.Key("error.code")
	// AttrConnectionState labels feed connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
	// AttrMigrationDirection records whether a migration ran up or down.
	AttrMigrationDirection = attribute.Key("migration.direction")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultFallback = "fallback"
	ResultDropped  = "dropped"
	ResultApplied  = "applied"
)

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ChangeEventAttributes returns attributes for realtime change metrics.
func ChangeEventAttributes(environment, eventType, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if eventType != "" {
		attrs = append(attrs, AttrEventType.String(eventType))
	}
	return attrs
}

// StageAttributes returns attributes for claim stage metrics.
func StageAttributes(environment, stage, result, code string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrStage.String(stage),
		AttrResult.String(result),
	}
	if code != "" {
		attrs = append(attrs, AttrErrorCode.String(code))
	}
	return attrs
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}
