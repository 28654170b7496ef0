package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within
// a context. Fields flow through context enrichment, so the orchestration
// engine, spawner and close-loop controller never need to repeat sessionId,
// specName or workerId on every log call.
type LogFields struct {
	SessionID string // close-loop session id
	SpecName  string // spec currently being acted on
	WorkerID  string // opaque spawned-worker id
	Batch     *int   // current orchestration batch index
	Component string // dotted component name, e.g. "auto.orchestrator.engine"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.SessionID != "" {
		result.SessionID = new.SessionID
	}
	if new.SpecName != "" {
		result.SpecName = new.SpecName
	}
	if new.WorkerID != "" {
		result.WorkerID = new.WorkerID
	}
	if new.Batch != nil {
		result.Batch = new.Batch
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value, for inline LogFields literals.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
