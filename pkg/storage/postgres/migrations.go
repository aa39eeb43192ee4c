package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/releasegate/pkg/observability"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// TrackedTables lists the domain tables whose mutations are audited
var TrackedTables = []string{"versions", "clients", "modules", "cards", "version_clients"}

// Migrations returns the schema migrations in version order
func Migrations() []Migration {
	migrations := []Migration{
		{
			Version:     1,
			Description: "Create profiles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS profiles (
					id UUID PRIMARY KEY,
					auth_subject TEXT UNIQUE,
					email TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL DEFAULT '',
					role TEXT NOT NULL DEFAULT 'viewer',
					department TEXT,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_login_at TIMESTAMPTZ
				);

				CREATE INDEX IF NOT EXISTS idx_profiles_role ON profiles(role);
			`,
		},
		{
			Version:     2,
			Description: "Create permission_overrides table",
			SQL: `
				CREATE TABLE IF NOT EXISTS permission_overrides (
					subject_id UUID NOT NULL REFERENCES profiles(id),
					resource TEXT NOT NULL,
					action TEXT NOT NULL,
					allowed BOOLEAN NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_by UUID REFERENCES profiles(id),
					PRIMARY KEY (subject_id, resource, action)
				);
			`,
		},
		{
			Version:     3,
			Description: "Create UI element catalog and overrides",
			SQL: `
				CREATE TABLE IF NOT EXISTS ui_elements (
					id BIGSERIAL PRIMARY KEY,
					element_key TEXT NOT NULL UNIQUE,
					element_type TEXT NOT NULL,
					parent_resource TEXT
				);

				CREATE TABLE IF NOT EXISTS ui_permission_overrides (
					subject_id UUID NOT NULL REFERENCES profiles(id),
					ui_element_id BIGINT NOT NULL REFERENCES ui_elements(id) ON DELETE CASCADE,
					is_visible BOOLEAN NOT NULL,
					is_enabled BOOLEAN NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_by UUID REFERENCES profiles(id),
					PRIMARY KEY (subject_id, ui_element_id)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create audit_logs table",
			SQL: `
				CREATE TABLE IF NOT EXISTS audit_logs (
					id BIGSERIAL PRIMARY KEY,
					table_name TEXT NOT NULL,
					operation_type TEXT NOT NULL CHECK (operation_type IN ('INSERT', 'UPDATE', 'DELETE')),
					record_id TEXT NOT NULL,
					old_values JSONB,
					new_values JSONB,
					changed_fields TEXT[] NOT NULL DEFAULT '{}',
					subject_id UUID,
					subject_email TEXT,
					timestamp TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
					session_id TEXT,
					request_id TEXT,
					description TEXT,
					tags TEXT[] NOT NULL DEFAULT '{}'
				);

				CREATE INDEX IF NOT EXISTS idx_audit_logs_row ON audit_logs(table_name, record_id, timestamp, id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp, id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_subject ON audit_logs(subject_id);
				CREATE INDEX IF NOT EXISTS idx_audit_logs_operation ON audit_logs(operation_type);
			`,
		},
	}

	for i, table := range TrackedTables {
		migrations = append(migrations, Migration{
			Version:     5 + i,
			Description: "Create " + table + " table",
			SQL: fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id UUID PRIMARY KEY,
					data JSONB NOT NULL DEFAULT '{}',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`, table),
		})
	}

	return migrations
}

// Migrate applies pending migrations, each in its own transaction
func Migrate(ctx context.Context, db *sql.DB, logger *observability.Logger) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied, err := appliedVersions(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range Migrations() {
		if applied[m.Version] {
			continue
		}

		if logger != nil {
			logger.WithField("version", m.Version).Infof("Running migration: %s", m.Description)
		}

		if err := applyMigration(ctx, db, m); err != nil {
			return err
		}
	}

	return nil
}

func appliedVersions(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description) VALUES ($1, $2)",
		m.Version, m.Description,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
	}
	return nil
}
