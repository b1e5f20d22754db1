package datascope

import (
	"fmt"
	"sort"
)

// ============================================================================
// DEPARTMENT HIERARCHY INDEX
// ============================================================================

// HierarchyIndex answers subtree and ancestry queries over one immutable
// department snapshot. It is rebuilt wholesale when department data
// changes; the Engine publishes the new index with an atomic pointer swap
// so readers always see a complete snapshot.
type HierarchyIndex struct {
	known     map[int64]struct{}
	children  map[int64][]int64
	ancestors map[int64][]int64 // root-first chain, excluding the node itself
	disabled  map[int64]bool
	size      int
}

func emptyHierarchyIndex() *HierarchyIndex {
	return &HierarchyIndex{
		known:     make(map[int64]struct{}),
		children:  make(map[int64][]int64),
		ancestors: make(map[int64][]int64),
		disabled:  make(map[int64]bool),
	}
}

// BuildHierarchyIndex builds the adjacency and ancestor-chain caches in
// O(n). A cycle in the parent links yields ErrMalformedHierarchy; the
// caller keeps its previous snapshot in that case.
func BuildHierarchyIndex(depts []*Department) (*HierarchyIndex, error) {
	idx := emptyHierarchyIndex()
	parent := make(map[int64]int64, len(depts))
	order := make(map[int64]int, len(depts))
	for _, d := range depts {
		if d == nil {
			continue
		}
		if _, dup := parent[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate department id %d", ErrMalformedHierarchy, d.ID)
		}
		if d.ParentID == d.ID {
			return nil, fmt.Errorf("%w: department %d is its own parent", ErrMalformedHierarchy, d.ID)
		}
		parent[d.ID] = d.ParentID
		order[d.ID] = d.OrderNum
		idx.known[d.ID] = struct{}{}
		if d.Disabled {
			idx.disabled[d.ID] = true
		}
	}
	idx.size = len(parent)

	// Resolve every ancestor chain once, memoizing finished chains.
	// state: 0 = unvisited, 1 = on the current walk, 2 = done.
	state := make(map[int64]uint8, len(parent))
	var resolve func(id int64) error
	resolve = func(id int64) error {
		switch state[id] {
		case 2:
			return nil
		case 1:
			return fmt.Errorf("%w: cycle through department %d", ErrMalformedHierarchy, id)
		}
		state[id] = 1
		pid := parent[id]
		if pid != 0 {
			if _, known := parent[pid]; known {
				if err := resolve(pid); err != nil {
					return err
				}
				chain := make([]int64, 0, len(idx.ancestors[pid])+1)
				chain = append(chain, idx.ancestors[pid]...)
				chain = append(chain, pid)
				idx.ancestors[id] = chain
			}
			// A parent id pointing at no known department is treated as a
			// root: stale links must not take the whole snapshot down.
		}
		state[id] = 2
		return nil
	}
	for id := range parent {
		if err := resolve(id); err != nil {
			return nil, err
		}
	}

	for id := range parent {
		pid := parent[id]
		if _, known := parent[pid]; pid != 0 && known {
			idx.children[pid] = append(idx.children[pid], id)
		}
	}
	for pid, kids := range idx.children {
		sort.Slice(kids, func(i, j int) bool {
			if order[kids[i]] != order[kids[j]] {
				return order[kids[i]] < order[kids[j]]
			}
			return kids[i] < kids[j]
		})
		idx.children[pid] = kids
	}
	return idx, nil
}

// Size returns the number of departments in the snapshot.
func (idx *HierarchyIndex) Size() int { return idx.size }

// Contains reports whether the snapshot knows the department id.
func (idx *HierarchyIndex) Contains(id int64) bool {
	_, ok := idx.known[id]
	return ok
}

// SubtreeIDs returns the inclusive id set of the subtree rooted at rootID,
// in deterministic order. Disabled descendants are excluded from the
// result (their children are still traversed); the root itself is always
// included, even when disabled, so a principal in a disabled department
// keeps visibility of its own rows. An unknown root yields just {rootID}:
// failing open to itself-only keeps a stale id from silently revoking all
// visibility.
func (idx *HierarchyIndex) SubtreeIDs(rootID int64) []int64 {
	out := []int64{rootID}
	queue := append([]int64(nil), idx.children[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if !idx.disabled[id] {
			out = append(out, id)
		}
		queue = append(queue, idx.children[id]...)
	}
	return out
}

// IsAncestor reports whether deptID lies in the subtree rooted at
// ancestorID, inclusive.
func (idx *HierarchyIndex) IsAncestor(ancestorID, deptID int64) bool {
	if ancestorID == deptID {
		return true
	}
	for _, a := range idx.ancestors[deptID] {
		if a == ancestorID {
			return true
		}
	}
	return false
}

// AncestorChain returns the root-first ancestor ids of deptID, excluding
// deptID itself. The result is a copy.
func (idx *HierarchyIndex) AncestorChain(deptID int64) []int64 {
	return append([]int64(nil), idx.ancestors[deptID]...)
}
