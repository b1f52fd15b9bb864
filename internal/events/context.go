package events

import "context"

type taskIDKey struct{}
type sessionIDKey struct{}

// ContextWithTask returns a new context carrying the task and session IDs.
func ContextWithTask(ctx context.Context, taskID, sessionID string) context.Context {
	ctx = context.WithValue(ctx, taskIDKey{}, taskID)
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// TaskIDFromContext extracts the task ID from the context, or "" if absent.
func TaskIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(taskIDKey{}).(string); ok {
		return id
	}
	return ""
}

// SessionIDFromContext extracts the session ID from the context, or "" if absent.
func SessionIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return id
	}
	return ""
}
