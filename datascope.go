package datascope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orgscope/datascope/logger"
)

// ============================================================================
// DOMAIN OBJECTS
// ============================================================================

// ScopeKind enumerates the row-visibility policies attachable to a role.
// The numeric codes match the role configuration store ('1'..'5').
type ScopeKind uint8

const (
	ScopeAll          ScopeKind = 1 // every row
	ScopeCustom       ScopeKind = 2 // explicitly assigned departments
	ScopeDept         ScopeKind = 3 // the principal's own department
	ScopeDeptAndChild ScopeKind = 4 // own department plus its subtree
	ScopeSelf         ScopeKind = 5 // rows owned by the principal
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeAll:
		return "all"
	case ScopeCustom:
		return "custom"
	case ScopeDept:
		return "dept"
	case ScopeDeptAndChild:
		return "dept_and_child"
	case ScopeSelf:
		return "self"
	}
	return fmt.Sprintf("scope(%d)", uint8(k))
}

// Valid reports whether k is one of the five known kinds.
func (k ScopeKind) Valid() bool {
	return k >= ScopeAll && k <= ScopeSelf
}

// ParseScopeKind accepts both symbolic names and the store's numeric codes.
func ParseScopeKind(s string) (ScopeKind, error) {
	switch s {
	case "all", "1":
		return ScopeAll, nil
	case "custom", "2":
		return ScopeCustom, nil
	case "dept", "3":
		return ScopeDept, nil
	case "dept_and_child", "4":
		return ScopeDeptAndChild, nil
	case "self", "5":
		return ScopeSelf, nil
	}
	return 0, fmt.Errorf("unknown scope kind %q", s)
}

// MarshalJSON emits the symbolic name; UnmarshalJSON accepts both the
// name and the bare numeric store code.
func (k ScopeKind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown scope kind %d", uint8(k))
	}
	return json.Marshal(k.String())
}

func (k *ScopeKind) UnmarshalJSON(data []byte) error {
	v, err := ParseScopeKind(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Department is one node of the organizational unit tree. ParentID zero
// marks a root. Ancestors is an optional comma-joined ancestor id hint as
// stored by admin tooling; the hierarchy index recomputes chains from
// ParentID and treats that as the source of truth.
type Department struct {
	ID        int64     `json:"id" yaml:"id"`
	ParentID  int64     `json:"parent_id" yaml:"parent_id"`
	Ancestors string    `json:"ancestors,omitempty" yaml:"ancestors,omitempty"`
	OrderNum  int       `json:"order_num" yaml:"order_num"`
	Disabled  bool      `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// RoleScope is a role's configured data scope. DeptIDs is meaningful only
// for ScopeCustom, where an empty set is a configuration error (it denies
// every row rather than granting none of the filter).
type RoleScope struct {
	RoleID    int64     `json:"role_id" yaml:"role_id"`
	Kind      ScopeKind `json:"kind" yaml:"kind"`
	DeptIDs   []int64   `json:"dept_ids,omitempty" yaml:"dept_ids,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// Validate checks invariants that the admin store should have enforced.
func (r *RoleScope) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("role %d: unknown scope kind %d", r.RoleID, uint8(r.Kind))
	}
	if r.Kind == ScopeCustom && len(r.DeptIDs) == 0 {
		return fmt.Errorf("role %d: %w", r.RoleID, ErrEmptyCustomScope)
	}
	return nil
}

// Principal is the authenticated actor for one request. It is constructed
// from session/token data by the caller and never persisted here. RoleIDs
// has set semantics: order is irrelevant and duplicates collapse.
type Principal struct {
	UserID     int64   `json:"user_id"`
	DeptID     int64   `json:"dept_id"`
	RoleIDs    []int64 `json:"role_ids"`
	SuperAdmin bool    `json:"super_admin,omitempty"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrMalformedHierarchy is returned by hierarchy builds when the
	// department data contains a cycle. The previous snapshot is retained.
	ErrMalformedHierarchy = errors.New("datascope: malformed department hierarchy")

	// ErrEmptyCustomScope marks a custom-scope role with no departments.
	ErrEmptyCustomScope = errors.New("datascope: custom scope with empty department set")

	// ErrRoleScopeNotFound is returned by stores for unknown role ids.
	ErrRoleScopeNotFound = errors.New("datascope: role scope not found")

	// ErrDeptNotFound is returned by stores for unknown department ids.
	ErrDeptNotFound = errors.New("datascope: department not found")
)

// ============================================================================
// STORAGE INTERFACES
// ============================================================================

// DepartmentStore supplies the department snapshot for hierarchy builds.
type DepartmentStore interface {
	SaveDepartment(ctx context.Context, d *Department) error
	DeleteDepartment(ctx context.Context, id int64) error
	GetDepartment(ctx context.Context, id int64) (*Department, error)
	ListDepartments(ctx context.Context) ([]*Department, error)
}

// RoleScopeStore supplies role scope configuration from the admin store.
type RoleScopeStore interface {
	SaveRoleScope(ctx context.Context, r *RoleScope) error
	DeleteRoleScope(ctx context.Context, roleID int64) error
	GetRoleScope(ctx context.Context, roleID int64) (*RoleScope, error)
	ListRoleScopes(ctx context.Context) ([]*RoleScope, error)
}

// ============================================================================
// IN-MEMORY STORES
// ============================================================================

type MemoryDepartmentStore struct {
	mu    sync.RWMutex
	depts map[int64]*Department
}

func NewMemoryDepartmentStore() *MemoryDepartmentStore {
	return &MemoryDepartmentStore{depts: make(map[int64]*Department)}
}

func (s *MemoryDepartmentStore) SaveDepartment(ctx context.Context, d *Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	dup := *d
	s.depts[d.ID] = &dup
	return nil
}

func (s *MemoryDepartmentStore) DeleteDepartment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.depts, id)
	return nil
}

func (s *MemoryDepartmentStore) GetDepartment(ctx context.Context, id int64) (*Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.depts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrDeptNotFound, id)
	}
	dup := *d
	return &dup, nil
}

func (s *MemoryDepartmentStore) ListDepartments(ctx context.Context) ([]*Department, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Department, 0, len(s.depts))
	for _, d := range s.depts {
		dup := *d
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID < out[j].ParentID
		}
		if out[i].OrderNum != out[j].OrderNum {
			return out[i].OrderNum < out[j].OrderNum
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type MemoryRoleScopeStore struct {
	mu     sync.RWMutex
	scopes map[int64]*RoleScope
}

func NewMemoryRoleScopeStore() *MemoryRoleScopeStore {
	return &MemoryRoleScopeStore{scopes: make(map[int64]*RoleScope)}
}

func (s *MemoryRoleScopeStore) SaveRoleScope(ctx context.Context, r *RoleScope) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	dup := *r
	dup.DeptIDs = append([]int64(nil), r.DeptIDs...)
	s.scopes[r.RoleID] = &dup
	return nil
}

func (s *MemoryRoleScopeStore) DeleteRoleScope(ctx context.Context, roleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scopes, roleID)
	return nil
}

func (s *MemoryRoleScopeStore) GetRoleScope(ctx context.Context, roleID int64) (*RoleScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.scopes[roleID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrRoleScopeNotFound, roleID)
	}
	dup := *r
	dup.DeptIDs = append([]int64(nil), r.DeptIDs...)
	return &dup, nil
}

func (s *MemoryRoleScopeStore) ListRoleScopes(ctx context.Context) ([]*RoleScope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RoleScope, 0, len(s.scopes))
	for _, r := range s.scopes {
		dup := *r
		dup.DeptIDs = append([]int64(nil), r.DeptIDs...)
		out = append(out, &dup)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoleID < out[j].RoleID })
	return out, nil
}

// ============================================================================
// ENGINE
// ============================================================================

// roleScopeSnapshot is the registry view Resolve reads. It is replaced
// wholesale by ReloadRoleScopes so resolution never touches the store.
type roleScopeSnapshot struct {
	byRole map[int64]*RoleScope
}

type Engine struct {
	deptStore DepartmentStore
	roleStore RoleScopeStore

	hierarchy  atomic.Pointer[HierarchyIndex]
	roleScopes atomic.Pointer[roleScopeSnapshot]
	version    atomic.Uint64

	cache    ScopeCache
	cacheTTL time.Duration

	logger logger.Logger
	now    func() time.Time
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine) error

// WithLogger installs a Logger on the Engine.
func WithLogger(l logger.Logger) EngineOption {
	return func(e *Engine) error {
		e.logger = l
		return nil
	}
}

// WithScopeCache replaces the default in-process scope cache.
func WithScopeCache(c ScopeCache) EngineOption {
	return func(e *Engine) error {
		e.cache = c
		return nil
	}
}

// WithCacheTTL sets the secondary time-based expiry for cached scopes.
func WithCacheTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) error {
		if ttl <= 0 {
			return fmt.Errorf("cache ttl must be positive, got %s", ttl)
		}
		e.cacheTTL = ttl
		return nil
	}
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) error {
		e.now = now
		return nil
	}
}

const defaultCacheTTL = 5 * time.Minute

func NewEngine(deptStore DepartmentStore, roleStore RoleScopeStore, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		deptStore: deptStore,
		roleStore: roleStore,
		cacheTTL:  defaultCacheTTL,
		logger:    logger.NewNullLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cache == nil {
		e.cache = newShardedScopeCache(defaultCacheShards, e.now)
	}
	e.hierarchy.Store(emptyHierarchyIndex())
	e.roleScopes.Store(&roleScopeSnapshot{byRole: make(map[int64]*RoleScope)})
	return e, nil
}

// HierarchyVersion returns the current configuration version. Every cached
// scope is keyed on it, so a bump turns the whole cache into misses.
func (e *Engine) HierarchyVersion() uint64 {
	return e.version.Load()
}

// BumpHierarchyVersion invalidates all cached scopes. Change-notification
// hooks from external admin stores call this when role or department
// configuration mutates outside the engine's own reload paths.
func (e *Engine) BumpHierarchyVersion() {
	v := e.version.Add(1)
	e.logger.Debug("scope cache invalidated", "hierarchy_version", int(v))
}

// ReloadHierarchy fetches the department snapshot and swaps in a freshly
// built index. On a malformed hierarchy the previous good snapshot stays
// in place and the error is surfaced to the caller.
func (e *Engine) ReloadHierarchy(ctx context.Context) error {
	depts, err := e.deptStore.ListDepartments(ctx)
	if err != nil {
		return fmt.Errorf("list departments: %w", err)
	}
	idx, err := BuildHierarchyIndex(depts)
	if err != nil {
		e.logger.Error("hierarchy rebuild failed, keeping previous snapshot", "error", err.Error())
		return err
	}
	e.hierarchy.Store(idx)
	e.BumpHierarchyVersion()
	e.logger.Info("hierarchy rebuilt", "departments", idx.Size())
	return nil
}

// ReloadRoleScopes refreshes the role scope registry snapshot. Roles that
// fail validation are kept (resolution narrows them to deny-all for empty
// custom sets) but reported so the misconfiguration is visible.
func (e *Engine) ReloadRoleScopes(ctx context.Context) error {
	scopes, err := e.roleStore.ListRoleScopes(ctx)
	if err != nil {
		return fmt.Errorf("list role scopes: %w", err)
	}
	byRole := make(map[int64]*RoleScope, len(scopes))
	for _, r := range scopes {
		if err := r.Validate(); err != nil {
			e.logger.Error("invalid role scope configuration", "role_id", int(r.RoleID), "error", err.Error())
		}
		byRole[r.RoleID] = r
	}
	e.roleScopes.Store(&roleScopeSnapshot{byRole: byRole})
	e.BumpHierarchyVersion()
	e.logger.Info("role scopes reloaded", "roles", len(byRole))
	return nil
}

// Reload refreshes both snapshots.
func (e *Engine) Reload(ctx context.Context) error {
	if err := e.ReloadHierarchy(ctx); err != nil {
		return err
	}
	return e.ReloadRoleScopes(ctx)
}

// lookupRoleScope consults the registry snapshot. Unknown roles fail soft:
// they contribute nothing to the OR-combined scope.
func (e *Engine) lookupRoleScope(roleID int64) (*RoleScope, bool) {
	snap := e.roleScopes.Load()
	if snap == nil {
		return nil, false
	}
	r, ok := snap.byRole[roleID]
	return r, ok
}

// Hierarchy returns the current index snapshot.
func (e *Engine) Hierarchy() *HierarchyIndex {
	return e.hierarchy.Load()
}

// ============================================================================
// CONFIGURATION CHANGE HOOKS
// ============================================================================

// SaveDepartment persists a department and rebuilds the hierarchy.
func (e *Engine) SaveDepartment(ctx context.Context, d *Department) error {
	if err := e.deptStore.SaveDepartment(ctx, d); err != nil {
		return err
	}
	return e.ReloadHierarchy(ctx)
}

// DeleteDepartment removes a department and rebuilds the hierarchy.
func (e *Engine) DeleteDepartment(ctx context.Context, id int64) error {
	if err := e.deptStore.DeleteDepartment(ctx, id); err != nil {
		return err
	}
	return e.ReloadHierarchy(ctx)
}

// SaveRoleScope persists a role scope and refreshes the registry.
func (e *Engine) SaveRoleScope(ctx context.Context, r *RoleScope) error {
	if err := e.roleStore.SaveRoleScope(ctx, r); err != nil {
		return err
	}
	return e.ReloadRoleScopes(ctx)
}

// DeleteRoleScope removes a role scope and refreshes the registry.
func (e *Engine) DeleteRoleScope(ctx context.Context, roleID int64) error {
	if err := e.roleStore.DeleteRoleScope(ctx, roleID); err != nil {
		return err
	}
	return e.ReloadRoleScopes(ctx)
}
