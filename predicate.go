package datascope

import (
	"fmt"
	"strings"
)

// ============================================================================
// PREDICATE RENDERING
// ============================================================================

// Predicate is a resolved scope bound to a table alias and owner and
// department column names. Rendering is pure: values travel as bind
// parameters, never as interpolated literals. The whole OR group is
// parenthesized so callers can AND it with their own filters safely.
type Predicate struct {
	alias    string
	ownerCol string
	deptCol  string
	terms    []ScopeTerm
}

// BuildPredicate renders a scope against caller-supplied column bindings.
// A nil or empty scope renders to an always-false predicate: the absence
// of terms means no visibility, never an omitted filter.
func BuildPredicate(scope *ResolvedScope, alias, ownerCol, deptCol string) *Predicate {
	p := &Predicate{alias: alias, ownerCol: ownerCol, deptCol: deptCol}
	if scope != nil {
		p.terms = scope.Terms()
	}
	return p
}

func (p *Predicate) column(col string) string {
	if p.alias == "" {
		return col
	}
	return p.alias + "." + col
}

// SQL renders the predicate as a fragment with ? placeholders and the
// bound arguments in matching order.
func (p *Predicate) SQL() (string, []any) {
	if len(p.terms) == 0 {
		return "(1 = 0)", nil
	}
	frags := make([]string, 0, len(p.terms))
	args := make([]any, 0, len(p.terms))
	for _, t := range p.terms {
		switch t.Kind {
		case TermAllRows:
			frags = append(frags, "1 = 1")
		case TermOwnerEquals:
			frags = append(frags, p.column(p.ownerCol)+" = ?")
			args = append(args, t.UserID)
		case TermDeptEquals:
			if len(t.DeptIDs) == 0 {
				frags = append(frags, "1 = 0")
				continue
			}
			frags = append(frags, p.column(p.deptCol)+" = ?")
			args = append(args, t.DeptIDs[0])
		case TermDeptIn:
			if len(t.DeptIDs) == 0 {
				frags = append(frags, "1 = 0")
				continue
			}
			frags = append(frags, p.column(p.deptCol)+" IN ("+placeholders(len(t.DeptIDs))+")")
			for _, id := range t.DeptIDs {
				args = append(args, id)
			}
		}
	}
	return "(" + strings.Join(frags, " OR ") + ")", args
}

// NamedSQL renders the predicate with named bind parameters for callers
// executing through named-query APIs. prefix namespaces the parameters so
// several predicates can share one statement.
func (p *Predicate) NamedSQL(prefix string) (string, map[string]any) {
	if prefix == "" {
		prefix = "scope"
	}
	if len(p.terms) == 0 {
		return "(1 = 0)", map[string]any{}
	}
	frags := make([]string, 0, len(p.terms))
	args := make(map[string]any, len(p.terms))
	n := 0
	name := func() string {
		n++
		return fmt.Sprintf("%s_%d", prefix, n)
	}
	for _, t := range p.terms {
		switch t.Kind {
		case TermAllRows:
			frags = append(frags, "1 = 1")
		case TermOwnerEquals:
			k := name()
			frags = append(frags, p.column(p.ownerCol)+" = :"+k)
			args[k] = t.UserID
		case TermDeptEquals:
			if len(t.DeptIDs) == 0 {
				frags = append(frags, "1 = 0")
				continue
			}
			k := name()
			frags = append(frags, p.column(p.deptCol)+" = :"+k)
			args[k] = t.DeptIDs[0]
		case TermDeptIn:
			if len(t.DeptIDs) == 0 {
				frags = append(frags, "1 = 0")
				continue
			}
			ph := make([]string, len(t.DeptIDs))
			for i, id := range t.DeptIDs {
				k := name()
				ph[i] = ":" + k
				args[k] = id
			}
			frags = append(frags, p.column(p.deptCol)+" IN ("+strings.Join(ph, ", ")+")")
		}
	}
	return "(" + strings.Join(frags, " OR ") + ")", args
}

// Match applies the predicate to an in-memory record, for callers whose
// query layer is not SQL. Semantics are identical to the SQL rendering.
func (p *Predicate) Match(ownerID, deptID int64) bool {
	for _, t := range p.terms {
		switch t.Kind {
		case TermAllRows:
			return true
		case TermOwnerEquals:
			if t.UserID == ownerID {
				return true
			}
		case TermDeptEquals:
			if len(t.DeptIDs) == 1 && t.DeptIDs[0] == deptID {
				return true
			}
		case TermDeptIn:
			for _, id := range t.DeptIDs {
				if id == deptID {
					return true
				}
			}
		}
	}
	return false
}

func (p *Predicate) String() string {
	sql, _ := p.SQL()
	return sql
}

func placeholders(n int) string {
	if n == 1 {
		return "?"
	}
	var b strings.Builder
	b.Grow(n*3 - 2)
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	return b.String()
}
