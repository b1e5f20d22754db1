package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"
	"github.com/orgscope/datascope"
)

// SQLDepartmentStore persists the department tree in SQL (squealx).
type SQLDepartmentStore struct {
	db *squealx.DB
}

func NewSQLDepartmentStore(db *squealx.DB) *SQLDepartmentStore {
	return &SQLDepartmentStore{db: db}
}

func (s *SQLDepartmentStore) SaveDepartment(ctx context.Context, d *datascope.Department) error {
	created := d.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	q := `INSERT INTO departments(id, parent_id, ancestors, order_num, disabled, created_at)
VALUES(:id, :parent_id, :ancestors, :order_num, :disabled, :created_at)
ON CONFLICT(id) DO UPDATE SET parent_id=:parent_id, ancestors=:ancestors, order_num=:order_num, disabled=:disabled`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{
		"id":         d.ID,
		"parent_id":  d.ParentID,
		"ancestors":  d.Ancestors,
		"order_num":  d.OrderNum,
		"disabled":   boolToInt(d.Disabled),
		"created_at": created,
	})
	return err
}

func (s *SQLDepartmentStore) DeleteDepartment(ctx context.Context, id int64) error {
	q := `DELETE FROM departments WHERE id = :id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"id": id})
	return err
}

func (s *SQLDepartmentStore) GetDepartment(ctx context.Context, id int64) (*datascope.Department, error) {
	q := `SELECT id, parent_id, ancestors, order_num, disabled, created_at FROM departments WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%w: %d", datascope.ErrDeptNotFound, id)
	}
	return scanDepartment(r)
}

func (s *SQLDepartmentStore) ListDepartments(ctx context.Context) ([]*datascope.Department, error) {
	q := `SELECT id, parent_id, ancestors, order_num, disabled, created_at FROM departments ORDER BY parent_id, order_num, id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*datascope.Department, 0)
	for r.Next() {
		d, err := scanDepartment(r)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDepartment(r rowScanner) (*datascope.Department, error) {
	var (
		id, parentID int64
		ancestors    string
		orderNum     int
		disabled     int
		createdRaw   interface{}
	)
	if err := r.Scan(&id, &parentID, &ancestors, &orderNum, &disabled, &createdRaw); err != nil {
		return nil, err
	}
	return &datascope.Department{
		ID:        id,
		ParentID:  parentID,
		Ancestors: ancestors,
		OrderNum:  orderNum,
		Disabled:  disabled != 0,
		CreatedAt: scanTime(createdRaw),
	}, nil
}
