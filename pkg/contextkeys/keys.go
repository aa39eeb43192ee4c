// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/releasegate/pkg/contextkeys"
//	ctx = contextkeys.WithRequestContext(ctx, rc)
//	rc, _ := contextkeys.GetRequestContext(ctx).(*reqctx.Context)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestContextKey contains *reqctx.Context
	// Set by: middleware.SessionMiddleware (pkg/middleware/session.go)
	// Required by: rbac, uiperm, audit and tracking handlers
	// Type: *reqctx.Context
	RequestContextKey Key = "request_context"

	// RequestIDKey contains request ID string (UUID)
	// Set by: middleware.RequestIDMiddleware
	// Used by: Logger, audit trail, distributed tracing
	// Type: string
	RequestIDKey Key = "request_id"

	// SubjectIDKey contains the authenticated subject ID string
	// Set by: middleware.SessionMiddleware after profile lookup
	// Used by: Logger
	// Type: string
	SubjectIDKey Key = "subject_id"

	// LoggerKey contains *observability.Logger
	// Set by: middleware.LoggingMiddleware
	// Used by: Handlers that need structured logging with request context
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)

// WithRequestContext adds the request-scoped context object to the context
func WithRequestContext(ctx context.Context, rc interface{}) context.Context {
	return context.WithValue(ctx, RequestContextKey, rc)
}

// GetRequestContext retrieves the request-scoped context object, or nil
func GetRequestContext(ctx context.Context) interface{} {
	return ctx.Value(RequestContextKey)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithSubjectID adds subject ID to the context
func WithSubjectID(ctx context.Context, subjectID string) context.Context {
	return context.WithValue(ctx, SubjectIDKey, subjectID)
}

// WithLogger adds logger to the context
func WithLogger(ctx context.Context, logger interface{}) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// GetSubjectID retrieves subject ID from context
func GetSubjectID(ctx context.Context) string {
	if subjectID, ok := ctx.Value(SubjectIDKey).(string); ok {
		return subjectID
	}
	return ""
}
