package datascope

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPrincipalFingerprintStable(t *testing.T) {
	a := principalFingerprint(&Principal{UserID: 1, DeptID: 2, RoleIDs: []int64{3, 1, 2}})
	b := principalFingerprint(&Principal{UserID: 1, DeptID: 2, RoleIDs: []int64{2, 2, 1, 3}})
	if a != b {
		t.Fatalf("fingerprint must be order- and duplicate-independent")
	}
	c := principalFingerprint(&Principal{UserID: 1, DeptID: 5, RoleIDs: []int64{3, 1, 2}})
	if a == c {
		t.Fatalf("a changed home department must change the fingerprint")
	}
	d := principalFingerprint(&Principal{UserID: 1, DeptID: 2, RoleIDs: []int64{3, 1, 2}, SuperAdmin: true})
	if a == d {
		t.Fatalf("the admin flag must change the fingerprint")
	}
}

func TestShardedScopeCacheTTL(t *testing.T) {
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	cache := newShardedScopeCache(4, clock)
	key := ScopeKey{UserID: 1, RoleFingerprint: "fp", HierarchyVersion: 1}
	scope := NewResolvedScope(OwnerEqualsTerm(1))

	if _, ok := cache.Get(key); ok {
		t.Fatalf("expected cold miss")
	}
	cache.Put(key, scope, time.Minute)
	if got, ok := cache.Get(key); !ok || !got.Equal(scope) {
		t.Fatalf("expected hit")
	}
	advance(2 * time.Minute)
	if _, ok := cache.Get(key); ok {
		t.Fatalf("expected miss after TTL")
	}

	cache.Put(key, scope, time.Minute)
	cache.Purge()
	if _, ok := cache.Get(key); ok {
		t.Fatalf("expected miss after purge")
	}
}

func TestScopeKeyVersionMiss(t *testing.T) {
	cache := newShardedScopeCache(4, time.Now)
	scope := NewResolvedScope(OwnerEqualsTerm(1))
	cache.Put(ScopeKey{UserID: 1, RoleFingerprint: "fp", HierarchyVersion: 1}, scope, time.Hour)
	if _, ok := cache.Get(ScopeKey{UserID: 1, RoleFingerprint: "fp", HierarchyVersion: 2}); ok {
		t.Fatalf("a bumped version must miss even inside the TTL")
	}
}

func TestRistrettoScopeCache(t *testing.T) {
	cache, err := NewRistrettoScopeCache(0, 0, 0)
	if err != nil {
		t.Fatalf("new ristretto cache: %v", err)
	}
	key := ScopeKey{UserID: 9, RoleFingerprint: "fp", HierarchyVersion: 3}
	scope := NewResolvedScope(DeptInTerm([]int64{2, 3}))
	cache.Put(key, scope, time.Minute)
	cache.Wait()
	got, ok := cache.Get(key)
	if !ok || !got.Equal(scope) {
		t.Fatalf("expected hit after Wait")
	}
	cache.Purge()
	if _, ok := cache.Get(key); ok {
		t.Fatalf("expected miss after purge")
	}
}

func TestConfigureRistrettoScopeCacheOnEngine(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	if err := eng.ConfigureRistrettoScopeCache(1<<12, 1<<10, 64); err != nil {
		t.Fatalf("configure: %v", err)
	}
	mustSaveRoleScope(t, eng, &RoleScope{RoleID: 5, Kind: ScopeSelf})
	scope, err := eng.Resolve(context.Background(), &Principal{UserID: 4, DeptID: 2, RoleIDs: []int64{5}})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !scope.Equal(NewResolvedScope(OwnerEqualsTerm(4))) {
		t.Fatalf("unexpected scope %s", scope)
	}
}

// flakyCache fails every Get to exercise the cache-as-optimization rule.
type flakyCache struct{}

func (flakyCache) Get(ScopeKey) (*ResolvedScope, bool)         { return nil, false }
func (flakyCache) Put(ScopeKey, *ResolvedScope, time.Duration) {}
func (flakyCache) Purge()                                      {}

func TestResolveSurvivesCacheFailure(t *testing.T) {
	eng, _, _ := newTestEngine(t, WithScopeCache(flakyCache{}))
	mustSaveRoleScope(t, eng, &RoleScope{RoleID: 6, Kind: ScopeDept})
	for i := 0; i < 3; i++ {
		scope, err := eng.Resolve(context.Background(), &Principal{UserID: 4, DeptID: 3, RoleIDs: []int64{6}})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if !scope.Equal(NewResolvedScope(DeptEqualsTerm(3))) {
			t.Fatalf("unexpected scope %s", scope)
		}
	}
}
