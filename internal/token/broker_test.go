package token

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/xiaopang/unlimited2api/internal/store"
)

// newTestBroker backs the broker with a memory store and a token server
// issuing unique sequential tokens.
func newTestBroker(t *testing.T) (*Broker, *atomic.Int32) {
	t.Helper()
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"token":"tok-%d"}`, fetches.Add(1))
	}))
	t.Cleanup(srv.Close)

	f, _ := newTestFetcher(srv.URL, 3)
	return NewBroker(store.NewMemoryStore(3), f), &fetches
}

func TestBrokerLeaseFetchesWhenEmpty(t *testing.T) {
	b, fetches := newTestBroker(t)

	tok, err := b.Lease(context.Background(), "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if tok != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetch count = %d, want 1", fetches.Load())
	}
}

func TestBrokerClientAffinity(t *testing.T) {
	b, fetches := newTestBroker(t)

	first, err := b.Lease(context.Background(), "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	// 同一客户端重复租用拿到同一个 Token，不触发新的上游请求
	for i := 0; i < 5; i++ {
		tok, err := b.Lease(context.Background(), "1.2.3.4", false)
		if err != nil {
			t.Fatalf("Lease #%d: %v", i+2, err)
		}
		if tok != first {
			t.Errorf("Lease #%d = %q, want %q", i+2, tok, first)
		}
	}
	if fetches.Load() != 1 {
		t.Errorf("fetch count = %d, want 1", fetches.Load())
	}
}

func TestBrokerDistinctClientsDistinctTokens(t *testing.T) {
	b, _ := newTestBroker(t)

	a, err := b.Lease(context.Background(), "1.1.1.1", false)
	if err != nil {
		t.Fatalf("Lease(a): %v", err)
	}
	c, err := b.Lease(context.Background(), "2.2.2.2", false)
	if err != nil {
		t.Fatalf("Lease(b): %v", err)
	}
	if a == c {
		t.Errorf("two clients leased the same token %q", a)
	}
}

func TestBrokerForceNew(t *testing.T) {
	b, fetches := newTestBroker(t)

	first, _ := b.Lease(context.Background(), "1.2.3.4", false)
	second, err := b.Lease(context.Background(), "1.2.3.4", true)
	if err != nil {
		t.Fatalf("Lease(forceNew): %v", err)
	}
	if second == first {
		t.Errorf("forceNew returned the cached token %q", first)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetch count = %d, want 2", fetches.Load())
	}
}

func TestBrokerErrorThresholdRotatesToken(t *testing.T) {
	b, _ := newTestBroker(t)

	first, _ := b.Lease(context.Background(), "1.2.3.4", false)
	for i := 0; i < 3; i++ {
		b.ReportError(first, 401)
	}

	// 作废后同一客户端会拿到新 Token
	next, err := b.Lease(context.Background(), "1.2.3.4", false)
	if err != nil {
		t.Fatalf("Lease after invalidation: %v", err)
	}
	if next == first {
		t.Errorf("invalidated token %q leased again", first)
	}
}

func TestBrokerReleaseClient(t *testing.T) {
	b, _ := newTestBroker(t)

	first, _ := b.Lease(context.Background(), "1.1.1.1", false)
	b.ReleaseClient("1.1.1.1")

	// 释放后别的客户端可以复用同一个 Token
	second, err := b.Lease(context.Background(), "2.2.2.2", false)
	if err != nil {
		t.Fatalf("Lease after release: %v", err)
	}
	if second != first {
		t.Errorf("released token not reused: got %q, want %q", second, first)
	}
}

func TestBrokerWarmup(t *testing.T) {
	b, fetches := newTestBroker(t)

	if err := b.Warmup(context.Background()); err != nil {
		t.Fatalf("Warmup: %v", err)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetch count after warmup = %d, want 1", fetches.Load())
	}

	// 池中已有 Token，再次预热不再请求上游
	if err := b.Warmup(context.Background()); err != nil {
		t.Fatalf("second Warmup: %v", err)
	}
	if fetches.Load() != 1 {
		t.Errorf("fetch count after second warmup = %d, want 1", fetches.Load())
	}
}
