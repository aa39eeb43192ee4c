// Package auth adapts the hosted identity provider.
//
// The provider is consumed, never implemented here: an OIDCAdapter verifies
// the ID tokens it issues and runs the authorization code exchange, and
// Sessions turns a verified token into the caller's profile.Subject,
// creating an active viewer profile on first sign-in.
//
// # Usage
//
//	adapter, err := auth.NewOIDCAdapter(ctx, cfg.Identity)
//	if err != nil {
//		return err
//	}
//	sessions := auth.NewSessions(adapter, profiles, logger)
//
//	subject, err := sessions.GetSubject(ctx, token)
//	if err != nil {
//		// profile store unreachable: fail the request
//	}
//	if subject == nil {
//		// invalid or expired token: the caller is anonymous
//	}
//
// An invalid token is not an error; the resolvers treat the caller as
// anonymous and deny everything.
package auth
