package rate

import (
	"context"
	"testing"
	"time"
)

func TestMemoryLimiterAllowAndReset(t *testing.T) {
	lim := NewMemory(2, time.Second)
	now := time.Now()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, retry, err := lim.Allow(ctx, "actor:alice", now)
		if err != nil || !allowed || retry != 0 {
			t.Fatalf("expected allow on call %d", i+1)
		}
	}

	allowed, retry, err := lim.Allow(ctx, "actor:alice", now.Add(200*time.Millisecond))
	if err != nil || allowed {
		t.Fatalf("expected rate limit on third call")
	}
	if retry != 800*time.Millisecond {
		t.Fatalf("expected retry after 800ms, got %s", retry)
	}

	allowed, _, err = lim.Allow(ctx, "actor:bob", now)
	if err != nil || !allowed {
		t.Fatalf("keys must not share a window")
	}

	allowed, _, err = lim.Allow(ctx, "actor:alice", now.Add(2*time.Second))
	if err != nil || !allowed {
		t.Fatalf("expected allow after window reset")
	}
}

func TestMemoryLimiterCleanup(t *testing.T) {
	lim := NewMemory(1, time.Second)
	now := time.Now()

	lim.Allow(context.Background(), "ip:1.1.1.1", now)
	if len(lim.entries) != 1 {
		t.Fatalf("expected entry")
	}

	lim.Allow(context.Background(), "ip:2.2.2.2", now.Add(2*time.Second))
	if len(lim.entries) != 1 {
		t.Fatalf("expected cleanup to remove expired entries, got %d", len(lim.entries))
	}
}
