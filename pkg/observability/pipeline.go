// Pipeline-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline semantic convention attributes.
var (
	// Artifact attributes
	AttrArtifact  = attribute.Key("relgate.artifact.name")
	AttrAlgorithm = attribute.Key("relgate.artifact.algorithm")

	// Signing attributes
	AttrKeyID = attribute.Key("relgate.signing.key_id")

	// Verification attributes
	AttrOutcome = attribute.Key("relgate.verify.outcome")

	// Gate and channel attributes
	AttrRelease       = attribute.Key("relgate.release.version")
	AttrDecision      = attribute.Key("relgate.gate.decision")
	AttrArtifactCount = attribute.Key("relgate.gate.artifact_count")
	AttrChannel       = attribute.Key("relgate.channel.name")
)

// HashOperation creates attributes for digest computation.
func HashOperation(artifact, algorithm string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifact.String(artifact),
		AttrAlgorithm.String(algorithm),
	}
}

// SignOperation creates attributes for signing.
func SignOperation(artifact, keyID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifact.String(artifact),
		AttrKeyID.String(keyID),
	}
}

// VerifyOperation creates attributes for verification.
func VerifyOperation(artifact, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrArtifact.String(artifact),
		AttrOutcome.String(outcome),
	}
}

// GateOperation creates attributes for a gate decision.
func GateOperation(release, decision string, artifactCount int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRelease.String(release),
		AttrDecision.String(decision),
		AttrArtifactCount.Int64(artifactCount),
	}
}

// PublishOperation creates attributes for a channel publish.
func PublishOperation(channel, release, artifact string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrChannel.String(channel),
		AttrRelease.String(release),
		AttrArtifact.String(artifact),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
