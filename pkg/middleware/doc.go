// Package middleware provides the session and rate limiting middleware.
//
// SessionMiddleware runs last in the chain, after request id, recovery,
// logging and metrics. It reads the session token from the Authorization
// header (Bearer) or the session cookie, resolves the subject and stores a
// fresh reqctx.Context on the request. Invalid tokens produce an anonymous
// context; the resolvers then deny everything.
//
//	router.Use(
//		httputil.RequestIDMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware(logger),
//		observability.HTTPMetricsMiddleware(metrics),
//		middleware.NewSessionMiddleware(sessions, cfg.Identity.SessionCookie, logger).Handler,
//	)
//
// RateLimiter is a Redis fixed-window limiter keyed by subject. It guards
// expensive routes such as the audit export and fails open when Redis is
// unreachable.
package middleware
