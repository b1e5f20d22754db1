package datascope

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSubtreeVisibilityFollowsDepartmentMove(t *testing.T) {
	// HQ(1) -> Eng(2) -> Backend(3); a dept-and-subtree role follows the
	// principal's home department, not a fixed grant.
	ctx := context.Background()
	ds := NewMemoryDepartmentStore()
	rs := NewMemoryRoleScopeStore()
	for _, d := range []*Department{
		{ID: 1},
		{ID: 2, ParentID: 1},
		{ID: 3, ParentID: 2},
	} {
		if err := ds.SaveDepartment(ctx, d); err != nil {
			t.Fatalf("seed department: %v", err)
		}
	}
	eng, err := NewEngine(ds, rs)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	mustSaveRoleScope(t, eng, &RoleScope{RoleID: 1, Kind: ScopeDeptAndChild})

	pred, err := eng.ScopedPredicate(ctx, &Principal{UserID: 7, DeptID: 3, RoleIDs: []int64{1}}, "t", "user_id", "dept_id")
	if err != nil {
		t.Fatalf("scoped predicate: %v", err)
	}
	sql, args := pred.SQL()
	if sql != "(t.dept_id IN (?))" || !reflect.DeepEqual(args, []any{int64(3)}) {
		t.Fatalf("leaf department: got %q %v", sql, args)
	}

	// The moved principal resolves against the same snapshot; only the
	// fingerprint changes, so no explicit invalidation is needed.
	pred, err = eng.ScopedPredicate(ctx, &Principal{UserID: 7, DeptID: 2, RoleIDs: []int64{1}}, "t", "user_id", "dept_id")
	if err != nil {
		t.Fatalf("scoped predicate: %v", err)
	}
	sql, args = pred.SQL()
	if sql != "(t.dept_id IN (?, ?))" || !reflect.DeepEqual(args, []any{int64(2), int64(3)}) {
		t.Fatalf("moved department: got %q %v", sql, args)
	}
}

func TestScopeKindJSONCodec(t *testing.T) {
	data, err := json.Marshal(ScopeDeptAndChild)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"dept_and_child"` {
		t.Fatalf("unexpected encoding %s", data)
	}
	var k ScopeKind
	if err := json.Unmarshal([]byte(`"custom"`), &k); err != nil || k != ScopeCustom {
		t.Fatalf("symbolic decode: %v %v", k, err)
	}
	if err := json.Unmarshal([]byte(`"4"`), &k); err != nil || k != ScopeDeptAndChild {
		t.Fatalf("numeric decode: %v %v", k, err)
	}
	if err := json.Unmarshal([]byte(`"everything"`), &k); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestConfigYAMLRoundtrip(t *testing.T) {
	in := []byte(`
version: 1
departments:
  - id: 1
  - id: 2
    parent_id: 1
role_scopes:
  - role_id: 10
    kind: dept_and_child
  - role_id: 11
    kind: "2"
    dept_ids: [2]
engine:
  scope_cache_ttl_ms: 60000
  cache_shards: 8
`)
	cfg, err := NewConfigLoader().LoadYAML(in)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if len(cfg.Departments) != 2 || len(cfg.RoleScopes) != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.RoleScopes[0].Kind != ScopeDeptAndChild || cfg.RoleScopes[1].Kind != ScopeCustom {
		t.Fatalf("scope kinds decoded wrong: %+v", cfg.RoleScopes)
	}

	out, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("to yaml: %v", err)
	}
	again, err := NewConfigLoader().LoadYAML(out)
	if err != nil {
		t.Fatalf("reload yaml: %v", err)
	}
	if again.RoleScopes[0].Kind != ScopeDeptAndChild {
		t.Fatalf("roundtrip lost scope kind: %+v", again.RoleScopes[0])
	}
}

func TestScopeKindYAMLRejectsUnknown(t *testing.T) {
	var r RoleScope
	if err := yaml.Unmarshal([]byte("role_id: 1\nkind: everything\n"), &r); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestApplyConfig(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	cfg := &Config{
		Version: 1,
		Departments: []*Department{
			{ID: 5, ParentID: 1},
		},
		RoleScopes: []*RoleScope{
			{RoleID: 10, Kind: ScopeDeptAndChild},
		},
		Engine: EngineConfig{ScopeCacheTTL: 60000, CacheShards: 8},
	}
	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if eng.cacheTTL != time.Minute {
		t.Fatalf("ttl not applied: %s", eng.cacheTTL)
	}
	scope, err := eng.Resolve(ctx, &Principal{UserID: 7, DeptID: 1, RoleIDs: []int64{10}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !scope.Equal(NewResolvedScope(DeptInTerm([]int64{1, 2, 3, 4, 5}))) {
		t.Fatalf("applied departments missing from subtree: %s", scope)
	}
}

func TestApplyConfigRejectsInvalidRoleScope(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	cfg := &Config{
		RoleScopes: []*RoleScope{{RoleID: 10, Kind: ScopeCustom}},
	}
	if err := eng.ApplyConfig(context.Background(), cfg); !errors.Is(err, ErrEmptyCustomScope) {
		t.Fatalf("expected ErrEmptyCustomScope, got %v", err)
	}
}

func TestMemoryStoresCopyOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	rs := NewMemoryRoleScopeStore()
	in := &RoleScope{RoleID: 1, Kind: ScopeCustom, DeptIDs: []int64{2, 3}}
	if err := rs.SaveRoleScope(ctx, in); err != nil {
		t.Fatalf("save: %v", err)
	}
	in.DeptIDs[0] = 99

	got, err := rs.GetRoleScope(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeptIDs[0] != 2 {
		t.Fatalf("store must not alias caller slices: %v", got.DeptIDs)
	}
	got.DeptIDs[1] = 99
	again, _ := rs.GetRoleScope(ctx, 1)
	if again.DeptIDs[1] != 3 {
		t.Fatalf("reads must not alias stored slices: %v", again.DeptIDs)
	}

	if _, err := rs.GetRoleScope(ctx, 42); !errors.Is(err, ErrRoleScopeNotFound) {
		t.Fatalf("expected ErrRoleScopeNotFound, got %v", err)
	}
	ds := NewMemoryDepartmentStore()
	if _, err := ds.GetDepartment(ctx, 42); !errors.Is(err, ErrDeptNotFound) {
		t.Fatalf("expected ErrDeptNotFound, got %v", err)
	}
}

func TestMemoryDepartmentStoreListOrder(t *testing.T) {
	ctx := context.Background()
	ds := NewMemoryDepartmentStore()
	for _, d := range []*Department{
		{ID: 3, ParentID: 1, OrderNum: 2},
		{ID: 2, ParentID: 1, OrderNum: 1},
		{ID: 1},
	} {
		if err := ds.SaveDepartment(ctx, d); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	out, err := ds.ListDepartments(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []int64
	for _, d := range out {
		ids = append(ids, d.ID)
	}
	if !reflect.DeepEqual(ids, []int64{1, 2, 3}) {
		t.Fatalf("unexpected order %v", ids)
	}
}

func TestMalformedReloadKeepsPreviousSnapshot(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	before := eng.HierarchyVersion()

	// Reparent 2 under its own child: 2 -> 3 -> 2.
	err := eng.SaveDepartment(ctx, &Department{ID: 2, ParentID: 3})
	if !errors.Is(err, ErrMalformedHierarchy) {
		t.Fatalf("expected ErrMalformedHierarchy, got %v", err)
	}
	if eng.HierarchyVersion() != before {
		t.Fatalf("failed rebuild must not bump the version")
	}
	if got := eng.Hierarchy().SubtreeIDs(1); !sameIDSet(got, []int64{1, 2, 3, 4}) {
		t.Fatalf("previous snapshot lost: %v", got)
	}
}

func TestDeleteDepartmentRebuildsHierarchy(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()
	before := eng.HierarchyVersion()
	if err := eng.DeleteDepartment(ctx, 4); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if eng.HierarchyVersion() == before {
		t.Fatalf("delete must bump the version")
	}
	if eng.Hierarchy().Contains(4) {
		t.Fatalf("deleted department still indexed")
	}
}
