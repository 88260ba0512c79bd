package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"lexdesk.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

var userRowColumns = []string{
	"id", "name", "email", "password_hash", "role_id", "role_name",
	"is_verified", "token_generation", "created_at", "updated_at",
	"verification_token_hash", "verification_token_expiry",
	"reset_token_hash", "reset_token_expiry", "password_changed_at",
}

func TestFindUserByEmail(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	exp := now.Add(10 * time.Minute)

	mock.ExpectQuery("select .*from users u join roles r on r.id = u.role_id where u.email = \\$1").
		WithArgs("ana@firm.test").
		WillReturnRows(sqlmock.NewRows(userRowColumns).AddRow(
			"u1", "Ana", "ana@firm.test", "$2a$10$hash", "r1", "lawyer",
			true, int64(3), now, now, "", nil, "abc", exp, nil))

	u, err := s.Users().FindByEmail(context.Background(), "ana@firm.test")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != "u1" || u.RoleName != "lawyer" || u.TokenGeneration != 3 || !u.IsVerified {
		t.Fatalf("unexpected user: %+v", u)
	}
	if u.VerificationTokenExpiry != nil || u.ResetTokenExpiry == nil || !u.ResetTokenExpiry.Equal(exp) {
		t.Fatalf("nullable times not mapped: %+v", u)
	}
}

func TestFindUserMissingIsNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select .*where u.id = \\$1").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	if _, err := s.Users().Find(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").
		WithArgs(sqlmock.AnyArg(), "Ana", "ana@firm.test", sqlmock.AnyArg(), "r1", false, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := s.Users().Create(context.Background(), &auth.User{Name: "Ana", Email: "ana@firm.test", PasswordHash: "h", RoleID: "r1"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateUserUnknownRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into users").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	err := s.Users().Create(context.Background(), &auth.User{Name: "Ana", Email: "ana@firm.test", RoleID: "nope"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPasswordWritesBumpGeneration(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("update users\\s+set password_hash = \\$2, token_generation = token_generation \\+ 1").
		WithArgs("u1", "newhash").
		WillReturnRows(sqlmock.NewRows([]string{"token_generation"}).AddRow(int64(4)))
	gen, err := s.Users().SetPassword(ctx, "u1", "newhash")
	if err != nil || gen != 4 {
		t.Fatalf("SetPassword: gen=%d err=%v", gen, err)
	}

	mock.ExpectQuery("where id = \\$1 and reset_token_hash = \\$2").
		WithArgs("u1", "tokhash", "newhash").
		WillReturnError(sql.ErrNoRows)
	if _, err := s.Users().ConsumePasswordReset(ctx, "u1", "tokhash", "newhash"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("consumed reset token should be ErrNotFound, got %v", err)
	}
}

func TestConsumeVerificationOnlyOnce(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("update users\\s+set is_verified = true").WithArgs("u1", "h").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update users\\s+set is_verified = true").WithArgs("u1", "h").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Users().ConsumeVerification(ctx, "u1", "h"); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	if err := s.Users().ConsumeVerification(ctx, "u1", "h"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("second consume should be ErrNotFound, got %v", err)
	}
}

func TestFindRoleAggregatesPermissions(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("from roles r.*where r.name = \\$1").WithArgs("lawyer").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at", "updated_at", "names"}).
			AddRow("r1", "lawyer", now, now, "case:read,case:update"))
	mock.ExpectQuery("from roles r.*where r.id = \\$1").WithArgs("r2").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "created_at", "updated_at", "names"}).
			AddRow("r2", "intern", now, now, nil))

	role, err := s.Roles().FindByName(context.Background(), "lawyer")
	if err != nil {
		t.Fatalf("FindByName: %v", err)
	}
	if len(role.Permissions) != 2 || role.Permissions[1] != "case:update" {
		t.Fatalf("unexpected permissions: %v", role.Permissions)
	}
	empty, err := s.Roles().Find(context.Background(), "r2")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if empty.Permissions == nil || len(empty.Permissions) != 0 {
		t.Fatalf("role without grants should have an empty list, got %#v", empty.Permissions)
	}
}

func TestDeleteRoleInUse(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from roles where id = \\$1").WithArgs("r1").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	mock.ExpectExec("delete from roles where id = \\$1").WithArgs("r9").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Roles().Delete(context.Background(), "r1"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := s.Roles().Delete(context.Background(), "r9"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRolePermissionsReplacesSet(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from role_permissions where role_id = \\$1").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("select id from permissions where name = \\$1").WithArgs("case:read").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "p1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select id from permissions where name = \\$1").WithArgs("case:update").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p2"))
	mock.ExpectExec("insert into role_permissions").WithArgs("r1", "p2").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("update roles set updated_at").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Roles().SetPermissions(context.Background(), "r1", []string{"case:update", "case:read", "case:update"})
	if err != nil {
		t.Fatalf("SetPermissions: %v", err)
	}
}

func TestSetRolePermissionsUnknownRollsBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs("r1").WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from role_permissions").WithArgs("r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id from permissions where name = \\$1").WithArgs("case:teleport").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Roles().SetPermissions(context.Background(), "r1", []string{"case:teleport"})
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestEnsurePermissionsIsInsertOnly(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("on conflict \\(name\\) do nothing").WithArgs(sqlmock.AnyArg(), "case:read", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("on conflict \\(name\\) do nothing").WithArgs(sqlmock.AnyArg(), "case:update", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.Permissions().Ensure(context.Background(), []auth.Permission{{Name: "case:read"}, {Name: "case:update"}})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
}

func TestAuditAppendStoresDetails(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("insert into audit_log").
		WithArgs(sqlmock.AnyArg(), at, "admin", "user.password.admin_set", "user", "u1", []byte(`{"reason":"support"}`)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.Audit().Append(context.Background(), &auth.AuditEntry{
		OccurredAt: at,
		ActorID:    "admin",
		Action:     "user.password.admin_set",
		TargetType: "user",
		TargetID:   "u1",
		Details:    map[string]string{"reason": "support"},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestCreateRoleGrantsInOneTransaction(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into roles").WithArgs(sqlmock.AnyArg(), "paralegal").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("select id from permissions where name = \\$1").WithArgs("case:read").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectExec("insert into role_permissions").WithArgs(sqlmock.AnyArg(), "p1").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	role := &auth.Role{Name: "paralegal", Permissions: []string{"case:read", "case:read"}}
	if err := s.Roles().Create(context.Background(), role); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if role.ID == "" || len(role.Permissions) != 1 || role.Permissions[0] != "case:read" {
		t.Fatalf("unexpected role: %+v", role)
	}
}

func TestCreateRoleUnknownPermissionLeavesNoRole(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectQuery("insert into roles").WithArgs(sqlmock.AnyArg(), "paralegal").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("select id from permissions where name = \\$1").WithArgs("case:teleport").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	role := &auth.Role{Name: "paralegal", Permissions: []string{"case:teleport"}}
	err := s.Roles().Create(context.Background(), role)
	if !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if role.ID != "" {
		t.Fatalf("failed create must not leave an id behind: %q", role.ID)
	}
}

func TestCreateRoleDuplicateNameKeepsIDEmpty(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into roles").WithArgs(sqlmock.AnyArg(), "lawyer").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	role := &auth.Role{Name: "lawyer"}
	if err := s.Roles().Create(context.Background(), role); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if role.ID != "" {
		t.Fatalf("conflicting create must not assign an id: %q", role.ID)
	}
}

func TestListUsersFiltersByRole(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("where u.role_id = \\$1 order by u.created_at, u.id limit nullif\\(\\$2, 0\\) offset \\$3").
		WithArgs("r1", 20, 40).
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "Ana", "ana@firm.test", "h", "r1", "lawyer", true, int64(0), now, now, "", nil, "", nil, nil).
			AddRow("u2", "Bo", "bo@firm.test", "h", "r1", "lawyer", false, int64(2), now, now, "", nil, "", nil, nil))

	users, err := s.Users().List(context.Background(), auth.UserQuery{RoleID: "r1", Limit: 20, Offset: 40})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(users) != 2 || users[1].Email != "bo@firm.test" {
		t.Fatalf("unexpected users: %+v", users)
	}
}

func TestUpdateUserPatchesAndReloads(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	role := "r2"
	mock.ExpectExec("update users set\\s+name = coalesce\\(\\$2, name\\)").
		WithArgs("u1", nil, nil, "r2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select .*where u.id = \\$1").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow("u1", "Ana", "ana@firm.test", "h", "r2", "secretary", true, int64(0), now, now, "", nil, "", nil, nil))

	u, err := s.Users().Update(context.Background(), "u1", auth.UserPatch{RoleID: &role})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if u.RoleID != "r2" || u.RoleName != "secretary" {
		t.Fatalf("unexpected user: %+v", u)
	}
}

func TestUpdateUserUnknownRoleIsNotFound(t *testing.T) {
	s, mock := newMock(t)
	role := "nope"
	mock.ExpectExec("update users set").WithArgs("u1", nil, nil, "nope").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	if _, err := s.Users().Update(context.Background(), "u1", auth.UserPatch{RoleID: &role}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteUserMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("delete from users where id = \\$1").WithArgs("ghost").WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Users().Delete(context.Background(), "ghost"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPermissionUpdateAndDelete(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()
	mock.ExpectQuery("update permissions set name = \\$2, description = \\$3").
		WithArgs("p9", "matter:read", "Read matters").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery("update permissions set name").WithArgs("p9", "case:read", nil).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectExec("delete from permissions where id = \\$1").WithArgs("p9").WillReturnResult(sqlmock.NewResult(0, 1))

	perm := &auth.Permission{ID: "p9", Name: "matter:read", Description: "Read matters"}
	if err := s.Permissions().Update(ctx, perm); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !perm.CreatedAt.Equal(now) {
		t.Fatalf("created_at not returned: %v", perm.CreatedAt)
	}
	if err := s.Permissions().Update(ctx, &auth.Permission{ID: "p9", Name: "case:read"}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("rename onto an existing name should conflict, got %v", err)
	}
	if err := s.Permissions().Delete(ctx, "p9"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestAuditListBuildsFilters(t *testing.T) {
	s, mock := newMock(t)
	before := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	at := before.Add(-time.Hour)
	mock.ExpectQuery("from audit_log where target_type = \\$1 and target_id = \\$2 and occurred_at < \\$3 order by occurred_at desc, id desc limit nullif\\(\\$4, 0\\)").
		WithArgs("user", "u1", before, 25).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at", "actor_id", "action", "target_type", "target_id", "details"}).
			AddRow("a1", at, "admin", "user.update", "user", "u1", []byte(`{"role":"secretary"}`)))

	entries, err := s.Audit().List(context.Background(), auth.AuditQuery{TargetType: "user", TargetID: "u1", Before: before, Limit: 25})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Details["role"] != "secretary" || !entries[0].OccurredAt.Equal(at) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
