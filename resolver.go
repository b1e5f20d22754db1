package datascope

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ============================================================================
// RESOLVED SCOPE
// ============================================================================

// TermKind discriminates the variants of a scope term.
type TermKind uint8

const (
	TermAllRows TermKind = iota + 1
	TermOwnerEquals
	TermDeptEquals
	TermDeptIn
)

// ScopeTerm is one OR-combined visibility grant. Subtree scopes are
// expanded to their id list at resolution time, so a term is always
// renderable without touching the hierarchy again.
type ScopeTerm struct {
	Kind    TermKind `json:"kind"`
	UserID  int64    `json:"user_id,omitempty"`
	DeptIDs []int64  `json:"dept_ids,omitempty"`
}

func AllRowsTerm() ScopeTerm { return ScopeTerm{Kind: TermAllRows} }

func OwnerEqualsTerm(userID int64) ScopeTerm {
	return ScopeTerm{Kind: TermOwnerEquals, UserID: userID}
}

func DeptEqualsTerm(deptID int64) ScopeTerm {
	return ScopeTerm{Kind: TermDeptEquals, DeptIDs: []int64{deptID}}
}
func DeptInTerm(deptIDs []int64) ScopeTerm {
	ids := append([]int64(nil), deptIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	// collapse duplicates
	out := ids[:0]
	for i, id := range ids {
		if i == 0 || id != ids[i-1] {
			out = append(out, id)
		}
	}
	return ScopeTerm{Kind: TermDeptIn, DeptIDs: out}
}

// validate rejects terms that cannot be rendered, such as a dept-equals
// term without its department id. Decoded payloads from out-of-process
// cache backends pass through here before anything indexes DeptIDs.
func (t ScopeTerm) validate() error {
	switch t.Kind {
	case TermAllRows, TermOwnerEquals, TermDeptIn:
		return nil
	case TermDeptEquals:
		if len(t.DeptIDs) != 1 {
			return fmt.Errorf("dept-equals term needs exactly one dept id, got %d", len(t.DeptIDs))
		}
		return nil
	}
	return fmt.Errorf("unknown term kind %d", uint8(t.Kind))
}

// key is a canonical string used for term dedup and set equality.
func (t ScopeTerm) key() string {
	switch t.Kind {
	case TermAllRows:
		return "all"
	case TermOwnerEquals:
		return "owner=" + strconv.FormatInt(t.UserID, 10)
	case TermDeptEquals:
		if len(t.DeptIDs) == 0 {
			return "dept="
		}
		return "dept=" + strconv.FormatInt(t.DeptIDs[0], 10)
	case TermDeptIn:
		parts := make([]string, len(t.DeptIDs))
		for i, id := range t.DeptIDs {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return "dept_in=" + strings.Join(parts, ",")
	}
	return fmt.Sprintf("term(%d)", uint8(t.Kind))
}

func (t ScopeTerm) String() string { return t.key() }

// ResolvedScope is the OR-combined set of scope terms computed for one
// principal. It is immutable once returned and is the value stored in the
// scope cache; predicates are rendered from it per query.
type ResolvedScope struct {
	terms []ScopeTerm
}

// NewResolvedScope canonicalizes the term set: duplicates collapse and an
// AllRows term short-circuits everything else.
func NewResolvedScope(terms ...ScopeTerm) *ResolvedScope {
	seen := make(map[string]struct{}, len(terms))
	out := make([]ScopeTerm, 0, len(terms))
	for _, t := range terms {
		if t.Kind == TermAllRows {
			return &ResolvedScope{terms: []ScopeTerm{AllRowsTerm()}}
		}
		k := t.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key() < out[j].key() })
	return &ResolvedScope{terms: out}
}

// Terms returns a copy of the term set.
func (s *ResolvedScope) Terms() []ScopeTerm {
	return append([]ScopeTerm(nil), s.terms...)
}

// AllRows reports whether the scope grants unrestricted visibility.
func (s *ResolvedScope) AllRows() bool {
	return len(s.terms) == 1 && s.terms[0].Kind == TermAllRows
}

// Empty reports whether no term grants anything. Resolve never returns an
// empty scope; this exists for callers constructing scopes by hand.
func (s *ResolvedScope) Empty() bool { return len(s.terms) == 0 }

// Equal is order-independent term-set equality.
func (s *ResolvedScope) Equal(other *ResolvedScope) bool {
	if s == nil || other == nil {
		return s == other
	}
	if len(s.terms) != len(other.terms) {
		return false
	}
	for i := range s.terms {
		if s.terms[i].key() != other.terms[i].key() {
			return false
		}
	}
	return true
}

// MarshalJSON serializes the term set, for cache backends that store
// scopes out of process.
func (s *ResolvedScope) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.terms)
}

// UnmarshalJSON decodes a term set stored out of process. Malformed terms
// are an error, not a panic: external cache backends turn the error into
// a miss and the scope is recomputed.
func (s *ResolvedScope) UnmarshalJSON(data []byte) error {
	var terms []ScopeTerm
	if err := json.Unmarshal(data, &terms); err != nil {
		return err
	}
	for _, t := range terms {
		if err := t.validate(); err != nil {
			return fmt.Errorf("malformed scope term: %w", err)
		}
	}
	*s = *NewResolvedScope(terms...)
	return nil
}

func (s *ResolvedScope) String() string {
	parts := make([]string, len(s.terms))
	for i, t := range s.terms {
		parts[i] = t.key()
	}
	return "{" + strings.Join(parts, " OR ") + "}"
}

// ============================================================================
// SCOPE RESOLUTION
// ============================================================================

// Resolve computes the OR-combined scope for a principal, serving from
// the scope cache when the configuration version has not moved. Every
// ambiguous input narrows the result: no roles, all roles unknown, or an
// empty accumulated term set each degrade to owner-only visibility.
func (e *Engine) Resolve(ctx context.Context, p *Principal) (*ResolvedScope, error) {
	if p == nil {
		return nil, fmt.Errorf("datascope: nil principal")
	}
	key := e.scopeKey(p)
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}
	scope := e.resolve(p)
	e.cache.Put(key, scope, e.cacheTTL)
	return scope, nil
}

func (e *Engine) resolve(p *Principal) *ResolvedScope {
	// Super admins see everything, same as a role with the all-rows scope.
	if p.SuperAdmin {
		return NewResolvedScope(AllRowsTerm())
	}
	roleIDs := dedupRoleIDs(p.RoleIDs)
	if len(roleIDs) == 0 {
		return NewResolvedScope(OwnerEqualsTerm(p.UserID))
	}

	idx := e.Hierarchy()
	terms := make([]ScopeTerm, 0, len(roleIDs))
	for _, roleID := range roleIDs {
		rs, ok := e.lookupRoleScope(roleID)
		if !ok {
			// A role that no longer exists grants nothing.
			e.logger.Debug("skipping unknown role", "role_id", int(roleID))
			continue
		}
		switch rs.Kind {
		case ScopeAll:
			// OR with everything dominates; stop evaluating.
			return NewResolvedScope(AllRowsTerm())
		case ScopeCustom:
			// An empty set stays an empty DeptIn term: it must deny all
			// rows, not fall through to the owner-only default.
			terms = append(terms, DeptInTerm(rs.DeptIDs))
		case ScopeDept:
			terms = append(terms, DeptEqualsTerm(p.DeptID))
		case ScopeDeptAndChild:
			terms = append(terms, DeptInTerm(idx.SubtreeIDs(p.DeptID)))
		case ScopeSelf:
			terms = append(terms, OwnerEqualsTerm(p.UserID))
		default:
			e.logger.Debug("skipping role with unknown scope kind", "role_id", int(roleID), "kind", int(rs.Kind))
		}
	}
	if len(terms) == 0 {
		return NewResolvedScope(OwnerEqualsTerm(p.UserID))
	}
	return NewResolvedScope(terms...)
}

// ScopedPredicate resolves the principal and renders the predicate in one
// call, for query builders that do not hold a ResolvedScope themselves.
func (e *Engine) ScopedPredicate(ctx context.Context, p *Principal, alias, ownerCol, deptCol string) (*Predicate, error) {
	scope, err := e.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	return e.BuildPredicate(scope, alias, ownerCol, deptCol), nil
}

// BuildPredicate binds a resolved scope to a table alias and column
// names. Predicates are cheap and column bindings vary per query, so they
// are rendered fresh every call and never cached.
func (e *Engine) BuildPredicate(scope *ResolvedScope, alias, ownerCol, deptCol string) *Predicate {
	return BuildPredicate(scope, alias, ownerCol, deptCol)
}

func dedupRoleIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return nil
	}
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	out := sorted[:0]
	for i, id := range sorted {
		if i == 0 || id != sorted[i-1] {
			out = append(out, id)
		}
	}
	return out
}
