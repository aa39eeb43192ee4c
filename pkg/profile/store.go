package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
)

// ErrNotFound is returned when no profile matches
var ErrNotFound = fmt.Errorf("profile %w", apperrors.ErrNotFound)

const subjectColumns = `id, email, display_name, role, department, is_active, created_at, updated_at, last_login_at`

// Store handles profile persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a new profile store
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle
func (s *Store) DB() *sql.DB {
	return s.db
}

// Get retrieves a profile by ID
func (s *Store) Get(ctx context.Context, id string) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM profiles WHERE id = $1`
	return s.getOne(ctx, s.db, query, id)
}

// GetForUpdate retrieves a profile by ID and locks the row until q's
// transaction ends.
func (s *Store) GetForUpdate(ctx context.Context, q postgres.Querier, id string) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM profiles WHERE id = $1 FOR UPDATE`
	return s.getOne(ctx, q, query, id)
}

// GetByEmail retrieves a profile by email (case-insensitive)
func (s *Store) GetByEmail(ctx context.Context, email string) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM profiles WHERE lower(email) = $1`
	return s.getOne(ctx, s.db, query, strings.ToLower(strings.TrimSpace(email)))
}

// GetByAuthSubject retrieves the profile bound to an identity provider subject
func (s *Store) GetByAuthSubject(ctx context.Context, authSubject string) (*Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM profiles WHERE auth_subject = $1`
	return s.getOne(ctx, s.db, query, authSubject)
}

// List returns every profile ordered by email
func (s *Store) List(ctx context.Context) ([]Subject, error) {
	query := `SELECT ` + subjectColumns + ` FROM profiles ORDER BY email`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var subjects []Subject
	for rows.Next() {
		subject, err := scanSubject(rows)
		if err != nil {
			return nil, err
		}
		subjects = append(subjects, *subject)
	}

	return subjects, rows.Err()
}

// EnsureFromIdentity returns the profile bound to identity, creating an
// active viewer profile on first sign-in. created reports whether a row was
// inserted by this call.
func (s *Store) EnsureFromIdentity(ctx context.Context, identity *Identity) (subject *Subject, created bool, err error) {
	if identity == nil || identity.Subject == "" {
		return nil, false, fmt.Errorf("identity subject is required: %w", apperrors.ErrInvalidInput)
	}

	subject, err = s.GetByAuthSubject(ctx, identity.Subject)
	if err == nil {
		return subject, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	displayName := identity.Name
	if displayName == "" {
		displayName = identity.Email
	}
	now := s.now()

	query := `
		INSERT INTO profiles (id, auth_subject, email, display_name, role, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (auth_subject) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		uuid.NewString(),
		identity.Subject,
		strings.ToLower(identity.Email),
		displayName,
		string(RoleViewer),
		true,
		now,
		now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create profile: %w", err)
	}

	affected, _ := result.RowsAffected()

	// A concurrent first sign-in may have won the insert; read back either way.
	subject, err = s.GetByAuthSubject(ctx, identity.Subject)
	if err != nil {
		return nil, false, err
	}
	return subject, affected == 1, nil
}

// SetRole changes a profile's role using q
func (s *Store) SetRole(ctx context.Context, q postgres.Querier, id string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("unknown role %q: %w", role, apperrors.ErrInvalidInput)
	}
	query := `UPDATE profiles SET role = $1, updated_at = $2 WHERE id = $3`
	return s.updateOne(ctx, q, "role", query, string(role), s.now(), id)
}

// SetActive activates or deactivates a profile using q. Profiles are never
// hard-deleted.
func (s *Store) SetActive(ctx context.Context, q postgres.Querier, id string, active bool) error {
	query := `UPDATE profiles SET is_active = $1, updated_at = $2 WHERE id = $3`
	return s.updateOne(ctx, q, "active flag", query, active, s.now(), id)
}

// TouchLastLogin records a successful sign-in
func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	query := `UPDATE profiles SET last_login_at = $1 WHERE id = $2`
	return s.updateOne(ctx, s.db, "last login", query, s.now(), id)
}

// CountByRole counts profiles holding role using q
func (s *Store) CountByRole(ctx context.Context, q postgres.Querier, role Role) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM profiles WHERE role = $1`
	if err := q.QueryRowContext(ctx, query, string(role)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count profiles by role: %w", err)
	}
	return count, nil
}

// CountActiveByRole counts active profiles holding role using q
func (s *Store) CountActiveByRole(ctx context.Context, q postgres.Querier, role Role) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM profiles WHERE role = $1 AND is_active = $2`
	if err := q.QueryRowContext(ctx, query, string(role), true).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active profiles by role: %w", err)
	}
	return count, nil
}

func (s *Store) getOne(ctx context.Context, q postgres.Querier, query string, args ...interface{}) (*Subject, error) {
	subject, err := scanSubject(q.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return subject, nil
}

func (s *Store) updateOne(ctx context.Context, q postgres.Querier, what, query string, args ...interface{}) error {
	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile %s: %w", what, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanSubject scans a profile from a database row
func scanSubject(scanner interface {
	Scan(dest ...interface{}) error
}) (*Subject, error) {
	var subject Subject
	var role string
	var department sql.NullString
	var lastLogin sql.NullTime

	err := scanner.Scan(
		&subject.ID,
		&subject.Email,
		&subject.DisplayName,
		&role,
		&department,
		&subject.IsActive,
		&subject.CreatedAt,
		&subject.UpdatedAt,
		&lastLogin,
	)
	if err != nil {
		return nil, err
	}

	// A stored role outside the hierarchy keeps its raw value; Valid() is
	// false for it and every resolver denies.
	subject.Role = Role(role)
	if parsed, ok := ParseRole(role); ok {
		subject.Role = parsed
	}
	if department.Valid {
		subject.Department = &department.String
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		subject.LastLoginAt = &t
	}

	return &subject, nil
}
