package callers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/harunnryd/callbridge/pkg/errorsx"
)

func TestLookupResolvesOnceThenCaches(t *testing.T) {
	var calls atomic.Int32
	r := NewRegistry(ResolverFunc(func(_ context.Context, callID string) (string, error) {
		calls.Add(1)
		return "+1555" + callID, nil
	}))
	for i := 0; i < 3; i++ {
		addr, err := r.Lookup(context.Background(), "0001")
		if err != nil {
			t.Fatalf("lookup: %v", err)
		}
		if addr != "+15550001" {
			t.Fatalf("unexpected addr %q", addr)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one resolve, got %d", calls.Load())
	}
}

func TestPutSeedsAndFirstWriterWins(t *testing.T) {
	r := NewRegistry(ResolverFunc(func(context.Context, string) (string, error) {
		t.Fatalf("resolver must not be called for seeded entries")
		return "", nil
	}))
	r.Put("CA1", "+1111")
	r.Put("CA1", "+2222")
	addr, err := r.Lookup(context.Background(), "CA1")
	if err != nil || addr != "+1111" {
		t.Fatalf("expected first value, got %q %v", addr, err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", r.Len())
	}
}

func TestLookupErrors(t *testing.T) {
	r := NewRegistry(ResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("404")
	}))
	_, err := r.Lookup(context.Background(), "CA1")
	if !errorsx.HasReason(err, errorsx.ReasonCallerResolve) {
		t.Fatalf("expected caller_resolve reason, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("failures must not be cached")
	}
	if _, err := NewRegistry(nil).Lookup(context.Background(), "CA1"); !errors.Is(err, ErrNoResolver) {
		t.Fatalf("expected ErrNoResolver, got %v", err)
	}
	if _, err := r.Lookup(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty id")
	}
}

func TestConcurrentLookupsAgree(t *testing.T) {
	var n atomic.Int32
	r := NewRegistry(ResolverFunc(func(context.Context, string) (string, error) {
		if n.Add(1) == 1 {
			return "+first", nil
		}
		return "+later", nil
	}))
	var wg sync.WaitGroup
	results := make([]string, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = r.Lookup(context.Background(), "CA1")
		}(i)
	}
	wg.Wait()
	final, _ := r.Lookup(context.Background(), "CA1")
	for _, got := range results {
		if got != final {
			t.Fatalf("lookups disagree: %q vs %q", got, final)
		}
	}
}
