package tracking

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
	"github.com/platinummonkey/releasegate/pkg/audit"
	"github.com/platinummonkey/releasegate/pkg/rbac"
	"github.com/platinummonkey/releasegate/pkg/reqctx"
)

// MaxBulkRows bounds one bulk patch
const MaxBulkRows = 500

// Authorizer decides whether the request's subject may act on a resource
type Authorizer interface {
	Require(ctx context.Context, rc *reqctx.Context, resource rbac.Resource, action rbac.Action) error
}

// Service is the mutation boundary of the tracked tables. Each write checks
// permission first, then locks the row, writes it and records the audit entry
// in one unit of work. Success is reported only after commit.
type Service struct {
	store    *Store
	authz    Authorizer
	uow      *audit.UnitOfWork
	recorder *audit.Recorder
	now      func() time.Time
}

// NewService creates a new tracking service
func NewService(store *Store, authz Authorizer, uow *audit.UnitOfWork, recorder *audit.Recorder) *Service {
	return &Service{
		store:    store,
		authz:    authz,
		uow:      uow,
		recorder: recorder,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns one row
func (s *Service) Get(ctx context.Context, rc *reqctx.Context, table Table, id string) (*Row, error) {
	if err := s.require(ctx, rc, table, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, table, id)
}

// List returns one page of rows
func (s *Service) List(ctx context.Context, rc *reqctx.Context, table Table, page audit.Page) ([]Row, error) {
	if err := s.require(ctx, rc, table, rbac.ActionRead); err != nil {
		return nil, err
	}
	page = page.Normalize()
	return s.store.List(ctx, table, page.PerPage, page.Offset())
}

// Create inserts a row. An empty id gets a fresh UUID.
func (s *Service) Create(ctx context.Context, rc *reqctx.Context, table Table, id string, values map[string]interface{}) (*Row, error) {
	if err := s.require(ctx, rc, table, rbac.ActionCreate); err != nil {
		return nil, err
	}
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", id, apperrors.ErrInvalidInput)
	}
	if values == nil {
		values = map[string]interface{}{}
	}

	now := s.now()
	row := &Row{ID: id, Data: values, CreatedAt: now, UpdatedAt: now}

	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		if err := s.store.Insert(ctx, tx, table, row); err != nil {
			return err
		}
		_, err := s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation: audit.OperationInsert,
			TableName: string(table),
			RecordID:  row.ID,
			NewValues: row.AuditValues(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// Update replaces a row's data
func (s *Service) Update(ctx context.Context, rc *reqctx.Context, table Table, id string, values map[string]interface{}) (*Row, error) {
	if err := s.require(ctx, rc, table, rbac.ActionUpdate); err != nil {
		return nil, err
	}
	if values == nil {
		values = map[string]interface{}{}
	}

	var updated *Row
	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		old, err := s.store.GetForUpdate(ctx, tx, table, id)
		if err != nil {
			return err
		}

		next := *old
		next.Data = values
		next.UpdatedAt = s.now()
		if err := s.store.Update(ctx, tx, table, &next); err != nil {
			return err
		}

		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation: audit.OperationUpdate,
			TableName: string(table),
			RecordID:  id,
			OldValues: old.AuditValues(),
			NewValues: next.AuditValues(),
		})
		updated = &next
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes a row
func (s *Service) Delete(ctx context.Context, rc *reqctx.Context, table Table, id string) error {
	if err := s.require(ctx, rc, table, rbac.ActionDelete); err != nil {
		return err
	}

	return s.uow.Do(ctx, func(tx *sql.Tx) error {
		old, err := s.store.GetForUpdate(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if err := s.store.Delete(ctx, tx, table, id); err != nil {
			return err
		}
		_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
			Operation: audit.OperationDelete,
			TableName: string(table),
			RecordID:  id,
			OldValues: old.AuditValues(),
		})
		return err
	})
}

// BulkPatch merges patch into every listed row in one unit of work. Each row
// gets an audit record with its full before and after values and the bulk
// sentinel as changed fields.
func (s *Service) BulkPatch(ctx context.Context, rc *reqctx.Context, table Table, ids []string, patch map[string]interface{}) (int, error) {
	if err := s.require(ctx, rc, table, rbac.ActionUpdate); err != nil {
		return 0, err
	}
	if len(ids) == 0 || len(patch) == 0 {
		return 0, fmt.Errorf("bulk patch needs ids and fields: %w", apperrors.ErrInvalidInput)
	}
	if len(ids) > MaxBulkRows {
		return 0, fmt.Errorf("bulk patch limited to %d rows: %w", MaxBulkRows, apperrors.ErrInvalidInput)
	}

	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return 0, fmt.Errorf("bulk patch id %q: %w", id, ErrNotFound)
		}
	}

	now := s.now()
	err := s.uow.Do(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			old, err := s.store.GetForUpdate(ctx, tx, table, id)
			if err != nil {
				return err
			}

			next := *old
			next.Data = old.AuditValues()
			for k, v := range patch {
				next.Data[k] = v
			}
			next.UpdatedAt = now
			if err := s.store.Update(ctx, tx, table, &next); err != nil {
				return err
			}

			_, err = s.recorder.Record(ctx, tx, rc, audit.Entry{
				Operation: audit.OperationUpdate,
				TableName: string(table),
				RecordID:  id,
				OldValues: old.AuditValues(),
				NewValues: next.AuditValues(),
				Tags:      []string{"bulk"},
				Bulk:      true,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Service) require(ctx context.Context, rc *reqctx.Context, table Table, action rbac.Action) error {
	if err := checkTable(table); err != nil {
		return err
	}
	return s.authz.Require(ctx, rc, table.Resource(), action)
}
