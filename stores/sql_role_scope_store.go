package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/orgscope/datascope"
)

// SQLRoleScopeStore persists role scope configuration in SQL (squealx).
// Custom department assignments live in the role_scope_depts join table,
// one row per (role, department).
type SQLRoleScopeStore struct {
	db *squealx.DB
}

func NewSQLRoleScopeStore(db *squealx.DB) *SQLRoleScopeStore {
	return &SQLRoleScopeStore{db: db}
}

func (s *SQLRoleScopeStore) SaveRoleScope(ctx context.Context, r *datascope.RoleScope) error {
	if err := r.Validate(); err != nil {
		return err
	}
	created := r.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO role_scopes(role_id, scope_kind, created_at)
VALUES(:role_id, :scope_kind, :created_at)
ON CONFLICT(role_id) DO UPDATE SET scope_kind=:scope_kind`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"role_id":    r.RoleID,
		"scope_kind": int(r.Kind),
		"created_at": created,
	}); err != nil {
		return err
	}
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM role_scope_depts WHERE role_id = :role_id`, map[string]any{"role_id": r.RoleID}); err != nil {
		return err
	}
	for _, deptID := range r.DeptIDs {
		if _, err := s.db.NamedExecContext(ctx, `INSERT INTO role_scope_depts(role_id, dept_id) VALUES(:role_id, :dept_id)`, map[string]any{
			"role_id": r.RoleID,
			"dept_id": deptID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLRoleScopeStore) DeleteRoleScope(ctx context.Context, roleID int64) error {
	if _, err := s.db.NamedExecContext(ctx, `DELETE FROM role_scope_depts WHERE role_id = :role_id`, map[string]any{"role_id": roleID}); err != nil {
		return err
	}
	_, err := s.db.NamedExecContext(ctx, `DELETE FROM role_scopes WHERE role_id = :role_id`, map[string]any{"role_id": roleID})
	return err
}

func (s *SQLRoleScopeStore) GetRoleScope(ctx context.Context, roleID int64) (*datascope.RoleScope, error) {
	q := `SELECT role_id, scope_kind, created_at FROM role_scopes WHERE role_id = :role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %d", datascope.ErrRoleScopeNotFound, roleID)
	}
	var (
		id         int64
		kind       int
		createdRaw interface{}
	)
	if err := r.Scan(&id, &kind, &createdRaw); err != nil {
		return nil, err
	}
	scope := &datascope.RoleScope{RoleID: id, Kind: datascope.ScopeKind(kind), CreatedAt: scanTime(createdRaw)}

	dq := `SELECT dept_id FROM role_scope_depts WHERE role_id = :role_id ORDER BY dept_id`
	dr, err := s.db.NamedQueryContext(ctx, dq, map[string]any{"role_id": roleID})
	if err != nil {
		return nil, err
	}
	defer dr.Close()
	for dr.Next() {
		var deptID int64
		if err := dr.Scan(&deptID); err != nil {
			return nil, err
		}
		scope.DeptIDs = append(scope.DeptIDs, deptID)
	}
	return scope, nil
}

func (s *SQLRoleScopeStore) ListRoleScopes(ctx context.Context) ([]*datascope.RoleScope, error) {
	q := `SELECT role_id FROM role_scopes ORDER BY role_id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0)
	for r.Next() {
		var id int64
		if err := r.Scan(&id); err != nil {
			r.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	r.Close()

	out := make([]*datascope.RoleScope, 0, len(ids))
	for _, id := range ids {
		scope, err := s.GetRoleScope(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, scope)
	}
	return out, nil
}
