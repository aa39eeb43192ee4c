package tracking

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/storage/postgres"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = fmt.Errorf("row %w", apperrors.ErrNotFound)

// Store persists rows of the tracked tables. Table names are checked against
// Tables before they reach SQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new tracking store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns one row
func (s *Store) Get(ctx context.Context, table Table, id string) (*Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, data, created_at, updated_at FROM %s WHERE id = $1`, table)
	return s.getOne(ctx, s.db, query, id)
}

// GetForUpdate returns one row and locks it until q's transaction ends
func (s *Store) GetForUpdate(ctx context.Context, q postgres.Querier, table Table, id string) (*Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT id, data, created_at, updated_at FROM %s WHERE id = $1 FOR UPDATE`, table)
	return s.getOne(ctx, q, query, id)
}

// List returns rows ordered by creation time, newest first
func (s *Store) List(ctx context.Context, table Table, limit, offset int) ([]Row, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, data, created_at, updated_at FROM %s
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`, table)

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	result := []Row{}
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	return result, rows.Err()
}

// Insert writes a new row using q
func (s *Store) Insert(ctx context.Context, q postgres.Querier, table Table, row *Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	data, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s data: %w", table, err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (id, data, created_at, updated_at) VALUES ($1, $2, $3, $4)`, table)
	if _, err := q.ExecContext(ctx, query, row.ID, data, row.CreatedAt, row.UpdatedAt); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", table, err)
	}
	return nil
}

// Update replaces a row's data using q
func (s *Store) Update(ctx context.Context, q postgres.Querier, table Table, row *Row) error {
	if err := checkTable(table); err != nil {
		return err
	}
	data, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("failed to encode %s data: %w", table, err)
	}

	query := fmt.Sprintf(`UPDATE %s SET data = $1, updated_at = $2 WHERE id = $3`, table)
	result, err := q.ExecContext(ctx, query, data, row.UpdatedAt, row.ID)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", table, err)
	}
	return requireOne(result)
}

// Delete removes a row using q
func (s *Store) Delete(ctx context.Context, q postgres.Querier, table Table, id string) error {
	if err := checkTable(table); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
	result, err := q.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete from %s: %w", table, err)
	}
	return requireOne(result)
}

func (s *Store) getOne(ctx context.Context, q postgres.Querier, query string, id string) (*Row, error) {
	// A malformed id cannot name a row; report it like any missing row.
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row, err := scanRow(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get row: %w", err)
	}
	return row, nil
}

func checkTable(table Table) error {
	if _, ok := ParseTable(string(table)); !ok {
		return fmt.Errorf("unknown table %q: %w", table, apperrors.ErrInvalidInput)
	}
	return nil
}

func requireOne(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanRow(scanner interface {
	Scan(dest ...interface{}) error
}) (*Row, error) {
	var row Row
	var data []byte

	if err := scanner.Scan(&row.ID, &data, &row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, err
	}
	row.Data = map[string]interface{}{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &row.Data); err != nil {
			return nil, fmt.Errorf("failed to decode row %s: %w", row.ID, err)
		}
	}
	row.CreatedAt = row.CreatedAt.UTC()
	row.UpdatedAt = row.UpdatedAt.UTC()
	return &row, nil
}
