package netutil

import (
	"sync"
	"testing"
)

func TestLockMapTrySetRejectsDuplicateKey(t *testing.T) {
	m := NewLockMap[int](nil)
	v := 1
	if !m.TrySet("a", &v) {
		t.Fatal("first TrySet for a new key should succeed")
	}
	other := 2
	if m.TrySet("a", &other) {
		t.Fatal("second TrySet for the same key should fail")
	}
	if got := m.Get("a"); got == nil || *got != 1 {
		t.Fatalf("Get(a) = %v, want the value from the first TrySet", got)
	}
}

func TestLockMapTrySetConcurrent(t *testing.T) {
	m := NewLockMap[struct{}](nil)
	const n = 32
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.TrySet("key", &struct{}{}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("exactly one concurrent TrySet should win, got %d", wins)
	}
}

func TestLockMapDeleteAllowsReuse(t *testing.T) {
	m := NewLockMap[int](nil)
	v := 1
	m.TrySet("a", &v)
	m.Delete("a")
	if !m.TrySet("a", &v) {
		t.Fatal("TrySet should succeed again after Delete")
	}
}

func TestLockMapSnapshotAndLen(t *testing.T) {
	m := NewLockMap[int](nil)
	for i, key := range []string{"a", "b", "c"} {
		v := i
		m.Set(key, &v)
	}
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}
	if len(m.Snapshot()) != 3 {
		t.Fatalf("len(Snapshot()) = %d, want 3", len(m.Snapshot()))
	}
}

func TestFailCounterSaturatesAtMax(t *testing.T) {
	f := NewFailCounter(3)
	for i := 0; i < 10; i++ {
		f.Inc()
	}
	if f.Count() != 3 {
		t.Fatalf("Count() = %d, want 3 (saturated)", f.Count())
	}
	if !f.Exceeded() {
		t.Fatal("Exceeded() should be true once count reaches max")
	}
}

func TestFailCounterResetClearsCount(t *testing.T) {
	f := NewFailCounter(3)
	f.Inc()
	f.Inc()
	f.Reset()
	if f.Count() != 0 {
		t.Fatalf("Count() after Reset = %d, want 0", f.Count())
	}
	if f.Exceeded() {
		t.Fatal("Exceeded() should be false right after Reset")
	}
}
