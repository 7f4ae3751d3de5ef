package session

import (
	"sync"
	"testing"

	"github.com/serviq/whatsapp-backend/internal/protocol"
)

func TestRegistry(t *testing.T) {
	t.Run("get unknown returns nil", func(t *testing.T) {
		r := NewRegistry()
		if got := r.Get("missing"); got != nil {
			t.Fatalf("expected nil, got %v", got)
		}
	})

	t.Run("set replaces and returns prior", func(t *testing.T) {
		r := NewRegistry()
		first := newFakeClient()
		second := newFakeClient()

		if prev := r.Set("s1", first); prev != nil {
			t.Fatalf("expected no prior handle, got %v", prev)
		}
		if prev := r.Set("s1", second); prev != first {
			t.Fatalf("expected first handle back, got %v", prev)
		}
		if got := r.Get("s1"); got != protocol.Client(second) {
			t.Fatalf("expected second handle registered")
		}
	})

	t.Run("release only removes own handle", func(t *testing.T) {
		r := NewRegistry()
		old := newFakeClient()
		replacement := newFakeClient()

		r.Set("s1", old)
		r.Set("s1", replacement)

		// The superseded handle finishing must not evict its successor.
		r.Release("s1", old)
		if got := r.Get("s1"); got != protocol.Client(replacement) {
			t.Fatalf("successor was evicted")
		}

		r.Release("s1", replacement)
		if got := r.Get("s1"); got != nil {
			t.Fatalf("expected empty registry, got %v", got)
		}
		// Idempotent.
		r.Release("s1", replacement)
	})

	t.Run("concurrent set keeps single handle", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.Set("s1", newFakeClient())
			}()
		}
		wg.Wait()

		if len(r.All()) != 1 {
			t.Fatalf("expected exactly one entry, got %d", len(r.All()))
		}
	})
}
