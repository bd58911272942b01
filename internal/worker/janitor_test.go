package worker

import (
	"context"
	"testing"
	"time"

	"github.com/eugener/airlock/internal/cache"
)

func TestCacheJanitor_SweepsExpired(t *testing.T) {
	t.Parallel()
	c := cache.NewResponseCache(10, time.Nanosecond, nil)
	c.Set("fp-1", "acme", []byte(`{"id":"chatcmpl-1"}`))
	c.Set("fp-2", "acme", []byte(`{"id":"chatcmpl-2"}`))

	w := NewCacheJanitor(c, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for c.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expired cache entries not swept, %d left", c.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

func TestCacheJanitor_Defaults(t *testing.T) {
	t.Parallel()
	w := NewCacheJanitor(cache.NewResponseCache(0, 0, nil), 0, nil)
	if w.interval != DefaultSweepInterval {
		t.Errorf("interval = %v, want %v", w.interval, DefaultSweepInterval)
	}
	if got := w.Name(); got != "cache_janitor" {
		t.Errorf("Name() = %q", got)
	}
}
