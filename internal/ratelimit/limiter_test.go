package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestUnregisteredKindNeverBlocks(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := l.Wait(ctx, "extract"); err != nil {
		t.Fatalf("expected unregistered kind to proceed immediately, got %v", err)
	}
	if !l.Allow("extract") {
		t.Fatal("expected unregistered kind to always allow")
	}
}

func TestRegisteredKindEnforcesBurst(t *testing.T) {
	l := New()
	l.Register("embed", 1, 1)
	if !l.Allow("embed") {
		t.Fatal("expected first call within burst to be allowed")
	}
	if l.Allow("embed") {
		t.Fatal("expected second immediate call to exceed burst of 1")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	l := New()
	l.Register("embed", 0.001, 1)
	l.Allow("embed") // consume the only burst token

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx, "embed"); err == nil {
		t.Fatal("expected Wait to fail once context deadline is exceeded")
	}
}
