package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/observability"
	"github.com/platinummonkey/releasegate/pkg/profile"
)

// loginTouchInterval bounds how often last_login_at is rewritten for one
// subject
const loginTouchInterval = 15 * time.Minute

// ProfileStore is the part of the profile store sessions need
type ProfileStore interface {
	EnsureFromIdentity(ctx context.Context, identity *profile.Identity) (*profile.Subject, bool, error)
	TouchLastLogin(ctx context.Context, id string) error
}

// Sessions resolves session tokens to subjects
type Sessions struct {
	provider IdentityProvider
	profiles ProfileStore
	logger   *observability.Logger
	now      func() time.Time
}

// NewSessions creates a session resolver. logger may be nil.
func NewSessions(provider IdentityProvider, profiles ProfileStore, logger *observability.Logger) *Sessions {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Sessions{
		provider: provider,
		profiles: profiles,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// GetSubject returns the subject bound to token. An empty, invalid or expired
// token yields a nil subject and no error. An error means the profile store
// could not be consulted and the request must fail.
func (s *Sessions) GetSubject(ctx context.Context, token string) (*profile.Subject, error) {
	if token == "" {
		return nil, nil
	}

	identity, err := s.provider.Verify(ctx, token)
	if err != nil {
		if !errors.Is(err, apperrors.ErrUnauthenticated) {
			s.logger.WithError(err).Warn("Identity provider verification failed")
		}
		return nil, nil
	}

	subject, created, err := s.profiles.EnsureFromIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.WithFields(map[string]interface{}{
			"subject_id": subject.ID,
			"email":      subject.Email,
		}).Info("Created profile on first sign-in")
	}

	now := s.now()
	if created || subject.LastLoginAt == nil || now.Sub(*subject.LastLoginAt) >= loginTouchInterval {
		if err := s.profiles.TouchLastLogin(ctx, subject.ID); err != nil {
			s.logger.WithError(err).WithField("subject_id", subject.ID).Warn("Failed to record last login")
		} else {
			subject.LastLoginAt = &now
		}
	}
	return subject, nil
}

// SessionID derives a stable, non-reversible identifier for a session token,
// suitable for audit records and logs
func SessionID(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:16])
}
