package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
)

// Store handles permission override persistence in permission_overrides
type Store struct {
	db *sql.DB
}

// NewStore creates a new override store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ListForSubject returns the subject's overrides keyed by permission. Rows
// naming a resource or action outside the known sets are skipped.
func (s *Store) ListForSubject(ctx context.Context, subjectID string) (Overrides, error) {
	rows, err := s.List(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	overrides := make(Overrides, len(rows))
	for _, o := range rows {
		if !o.Permission().Valid() {
			continue
		}
		overrides[o.Permission()] = o.Allowed
	}
	return overrides, nil
}

// List returns the subject's stored override rows
func (s *Store) List(ctx context.Context, subjectID string) ([]Override, error) {
	query := `
		SELECT subject_id, resource, action, allowed, updated_at, updated_by
		FROM permission_overrides
		WHERE subject_id = $1
		ORDER BY resource, action
	`

	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list permission overrides: %w", err)
	}
	defer rows.Close()

	var overrides []Override
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan permission override: %w", err)
		}
		overrides = append(overrides, *o)
	}

	return overrides, rows.Err()
}

// GetForUpdate returns the stored override and locks it until q's
// transaction ends. It returns nil when no override exists.
func (s *Store) GetForUpdate(ctx context.Context, q postgres.Querier, subjectID string, p Permission) (*Override, error) {
	query := `
		SELECT subject_id, resource, action, allowed, updated_at, updated_by
		FROM permission_overrides
		WHERE subject_id = $1 AND resource = $2 AND action = $3
		FOR UPDATE
	`

	o, err := scanOverride(q.QueryRowContext(ctx, query, subjectID, string(p.Resource), string(p.Action)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get permission override: %w", err)
	}
	return o, nil
}

// Upsert writes the override using q. The last write wins.
func (s *Store) Upsert(ctx context.Context, q postgres.Querier, o *Override) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO permission_overrides (subject_id, resource, action, allowed, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, resource, action)
		DO UPDATE SET allowed = EXCLUDED.allowed, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by
	`

	_, err := q.ExecContext(ctx, query,
		o.SubjectID,
		string(o.Resource),
		string(o.Action),
		o.Allowed,
		o.UpdatedAt,
		o.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert permission override: %w", err)
	}
	return nil
}

// Delete removes the override using q, resetting the permission to the role
// default. It reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, q postgres.Querier, subjectID string, p Permission) (bool, error) {
	query := `DELETE FROM permission_overrides WHERE subject_id = $1 AND resource = $2 AND action = $3`

	result, err := q.ExecContext(ctx, query, subjectID, string(p.Resource), string(p.Action))
	if err != nil {
		return false, fmt.Errorf("failed to delete permission override: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanOverride(scanner interface {
	Scan(dest ...interface{}) error
}) (*Override, error) {
	var o Override
	var resource, action string
	var updatedBy sql.NullString

	if err := scanner.Scan(&o.SubjectID, &resource, &action, &o.Allowed, &o.UpdatedAt, &updatedBy); err != nil {
		return nil, err
	}

	o.Resource = Resource(resource)
	o.Action = Action(action)
	if updatedBy.Valid {
		o.UpdatedBy = &updatedBy.String
	}
	return &o, nil
}
