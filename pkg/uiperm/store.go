package uiperm

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
)

// ErrUnknownElement is returned when a key is not in the catalog
var ErrUnknownElement = fmt.Errorf("ui element %w", apperrors.ErrNotFound)

// Store handles the ui_elements catalog table and ui_permission_overrides
type Store struct {
	db *sql.DB
}

// NewStore creates a new UI permission store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SyncCatalog upserts every element into ui_elements in one transaction.
// Elements no longer shipped are left in place so existing overrides survive.
func (s *Store) SyncCatalog(ctx context.Context, elements []Element) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin catalog sync: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO ui_elements (element_key, element_type, parent_resource)
		VALUES ($1, $2, $3)
		ON CONFLICT (element_key)
		DO UPDATE SET element_type = EXCLUDED.element_type, parent_resource = EXCLUDED.parent_resource
	`
	for _, e := range elements {
		var parent interface{}
		if e.ParentResource != nil {
			parent = string(*e.ParentResource)
		}
		if _, err := tx.ExecContext(ctx, query, e.Key, string(e.Type), parent); err != nil {
			return fmt.Errorf("failed to sync ui element %s: %w", e.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog sync: %w", err)
	}
	return nil
}

// Catalog returns every element ordered by key
func (s *Store) Catalog(ctx context.Context) ([]Element, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, element_key, element_type, parent_resource
		FROM ui_elements
		ORDER BY element_key
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ui elements: %w", err)
	}
	defer rows.Close()

	var elements []Element
	for rows.Next() {
		e, err := scanElement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ui element: %w", err)
		}
		elements = append(elements, *e)
	}
	return elements, rows.Err()
}

// ElementByKey returns the catalog element for key using q
func (s *Store) ElementByKey(ctx context.Context, q postgres.Querier, key string) (*Element, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, element_key, element_type, parent_resource
		FROM ui_elements
		WHERE element_key = $1
	`, key)

	e, err := scanElement(row)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownElement
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ui element: %w", err)
	}
	return e, nil
}

// OverridesForSubject returns the subject's stored overrides keyed by element
// key, exactly as stored.
func (s *Store) OverridesForSubject(ctx context.Context, subjectID string) (map[string]Stored, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.element_key, o.is_visible, o.is_enabled
		FROM ui_permission_overrides o
		JOIN ui_elements e ON e.id = o.ui_element_id
		WHERE o.subject_id = $1
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ui overrides: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string]Stored)
	for rows.Next() {
		var key string
		var stored Stored
		if err := rows.Scan(&key, &stored.Visible, &stored.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan ui override: %w", err)
		}
		overrides[key] = stored
	}
	return overrides, rows.Err()
}

// GetForUpdate returns the stored override and locks it until q's
// transaction ends. It returns nil when no override exists.
func (s *Store) GetForUpdate(ctx context.Context, q postgres.Querier, subjectID string, element *Element) (*Override, error) {
	o := &Override{SubjectID: subjectID, ElementID: element.ID, ElementKey: element.Key}
	var updatedBy sql.NullString

	err := q.QueryRowContext(ctx, `
		SELECT is_visible, is_enabled, updated_at, updated_by
		FROM ui_permission_overrides
		WHERE subject_id = $1 AND ui_element_id = $2
		FOR UPDATE
	`, subjectID, element.ID).Scan(&o.Visible, &o.Enabled, &o.UpdatedAt, &updatedBy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ui override: %w", err)
	}
	if updatedBy.Valid {
		o.UpdatedBy = &updatedBy.String
	}
	return o, nil
}

// Upsert writes the override using q. The last write wins.
func (s *Store) Upsert(ctx context.Context, q postgres.Querier, o *Override) error {
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now().UTC()
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO ui_permission_overrides (subject_id, ui_element_id, is_visible, is_enabled, updated_at, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, ui_element_id)
		DO UPDATE SET is_visible = EXCLUDED.is_visible, is_enabled = EXCLUDED.is_enabled,
			updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by
	`, o.SubjectID, o.ElementID, o.Visible, o.Enabled, o.UpdatedAt, o.UpdatedBy)
	if err != nil {
		return fmt.Errorf("failed to upsert ui override: %w", err)
	}
	return nil
}

// Delete removes the override using q, resetting the element to the role
// default. It reports whether a row was removed.
func (s *Store) Delete(ctx context.Context, q postgres.Querier, subjectID string, elementID int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`DELETE FROM ui_permission_overrides WHERE subject_id = $1 AND ui_element_id = $2`,
		subjectID, elementID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete ui override: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return affected > 0, nil
}

func scanElement(scanner interface {
	Scan(dest ...interface{}) error
}) (*Element, error) {
	var e Element
	var elementType string
	var parent sql.NullString

	if err := scanner.Scan(&e.ID, &e.Key, &elementType, &parent); err != nil {
		return nil, err
	}
	e.Type = ElementType(elementType)
	if parent.Valid {
		r := rbac.Resource(parent.String)
		e.ParentResource = &r
	}
	return &e, nil
}
