// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Error Responses
//
// Handlers return domain errors and let WriteAppError pick the response:
//
//	if err := svc.Delete(ctx, rc, table, id); err != nil {
//		httputil.WriteAppError(w, r, err)
//		return
//	}
//
// Permission denials (unauthenticated or unauthorized) always produce the body
// {"error":"not permitted"}; store or audit failures produce
// {"error":"temporarily unavailable, try again"} with status 503. The cause is
// logged, never returned.
//
// # Middleware
//
//	router.Use(httputil.RequestIDMiddleware)
//	router.Use(httputil.LoggingMiddleware(logger))
//	router.Use(httputil.RecoveryMiddleware)
package httputil
