package profile

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/releasegate/pkg/apperrors"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`
		CREATE TABLE profiles (
			id TEXT PRIMARY KEY,
			auth_subject TEXT UNIQUE,
			email TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'viewer',
			department TEXT,
			is_active BOOLEAN NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_login_at TIMESTAMP
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

func TestStore_EnsureFromIdentity(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	identity := &Identity{Subject: "idp|123", Email: "Ana@Example.com", Name: "Ana"}

	subject, created, err := store.EnsureFromIdentity(ctx, identity)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "ana@example.com", subject.Email)
	assert.Equal(t, RoleViewer, subject.Role)
	assert.True(t, subject.IsActive)
	assert.Nil(t, subject.LastLoginAt)

	again, created, err := store.EnsureFromIdentity(ctx, identity)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, subject.ID, again.ID)

	_, _, err = store.EnsureFromIdentity(ctx, &Identity{})
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestStore_SetRoleAndActive(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	subject, _, err := store.EnsureFromIdentity(ctx, &Identity{Subject: "idp|1", Email: "bo@example.com"})
	require.NoError(t, err)

	require.NoError(t, store.SetRole(ctx, db, subject.ID, RoleManager))
	require.NoError(t, store.SetActive(ctx, db, subject.ID, false))
	require.NoError(t, store.TouchLastLogin(ctx, subject.ID))

	updated, err := store.Get(ctx, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, RoleManager, updated.Role)
	assert.False(t, updated.IsActive)
	assert.NotNil(t, updated.LastLoginAt)

	count, err := store.CountByRole(ctx, db, RoleManager)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	active, err := store.CountActiveByRole(ctx, db, RoleManager)
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	err = store.SetRole(ctx, db, subject.ID, Role("owner"))
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))

	err = store.SetActive(ctx, db, "missing", true)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestStore_GetByEmailAndList(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	for _, id := range []*Identity{
		{Subject: "s2", Email: "zed@example.com"},
		{Subject: "s1", Email: "amy@example.com"},
	} {
		_, _, err := store.EnsureFromIdentity(ctx, id)
		require.NoError(t, err)
	}

	subject, err := store.GetByEmail(ctx, " AMY@example.com ")
	require.NoError(t, err)
	assert.Equal(t, "amy@example.com", subject.Email)

	_, err = store.GetByEmail(ctx, "nobody@example.com")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))

	subjects, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, subjects, 2)
	assert.Equal(t, "amy@example.com", subjects[0].Email)
}

func TestStore_UnknownStoredRoleStaysInvalid(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()
	store := NewStore(db)

	subject, _, err := store.EnsureFromIdentity(ctx, &Identity{Subject: "s", Email: "x@example.com"})
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE profiles SET role = 'root' WHERE id = $1`, subject.ID)
	require.NoError(t, err)

	loaded, err := store.Get(ctx, subject.ID)
	require.NoError(t, err)
	assert.False(t, loaded.Role.Valid())
	assert.False(t, loaded.Role.AtLeast(RoleViewer))
}

func TestStore_GetForUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewStore(db)
	rows := sqlmock.NewRows([]string{"id", "email", "display_name", "role", "department", "is_active", "created_at", "updated_at", "last_login_at"}).
		AddRow("p1", "a@example.com", "A", "admin", "Ops", true, store.now(), store.now(), nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT (.+) FROM profiles WHERE id = \$1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	tx, err := db.Begin()
	require.NoError(t, err)
	subject, err := store.GetForUpdate(context.Background(), tx, "p1")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.Equal(t, RoleAdmin, subject.Role)
	require.NotNil(t, subject.Department)
	assert.Equal(t, "Ops", *subject.Department)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleSuperAdmin.AtLeast(RoleAdmin))
	assert.True(t, RoleManager.AtLeast(RoleManager))
	assert.False(t, RoleEditor.AtLeast(RoleManager))
	assert.False(t, RoleViewer.AtLeast(RoleEditor))

	role, ok := ParseRole(" Admin ")
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, role)

	_, ok = ParseRole("owner")
	assert.False(t, ok)
}

func TestSubject_AuditValues(t *testing.T) {
	var nilSubject *Subject
	assert.Nil(t, nilSubject.AuditValues())
	assert.False(t, nilSubject.IsSuperAdmin())

	dept := "QA"
	s := &Subject{ID: "1", Email: "e", Role: RoleSuperAdmin, IsActive: true, Department: &dept}
	assert.True(t, s.IsSuperAdmin())
	assert.Equal(t, "QA", s.AuditValues()["department"])

	s.IsActive = false
	assert.False(t, s.IsSuperAdmin())
}
