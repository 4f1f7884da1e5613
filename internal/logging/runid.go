// Package logging carries the sync run ID through context so every log line of
// one orchestrated run can be correlated.
package logging

import "context"

type contextKey string

const runIDKey contextKey = "runId"

// WithRunID injects a run ID into the context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// GetRunID retrieves the run ID from the context.
// Returns empty string if not found.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// Tag returns "[run <id>] " for ctx, or "" when no run ID is set.
func Tag(ctx context.Context) string {
	if id := GetRunID(ctx); id != "" {
		return "[run " + id + "] "
	}
	return ""
}
