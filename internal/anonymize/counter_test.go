package anonymize

import (
	"sync"
	"testing"

	airlock "github.com/eugener/airlock/internal"
)

func TestCounterSequence(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	if got := c.Current(airlock.EntityPerson); got != 0 {
		t.Errorf("fresh counter Current = %d, want 0", got)
	}
	for want := 1; want <= 3; want++ {
		if got := c.Next(airlock.EntityPerson); got != want {
			t.Errorf("Next = %d, want %d", got, want)
		}
	}
	// Independent per type.
	if got := c.Next(airlock.EntityPhone); got != 1 {
		t.Errorf("phone Next = %d, want 1", got)
	}
	if got := c.Current(airlock.EntityPerson); got != 3 {
		t.Errorf("person Current = %d, want 3", got)
	}
}

func TestCounterReset(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	c.Next(airlock.EntityPerson)
	c.Next(airlock.EntityPhone)

	c.Reset(airlock.EntityPerson)
	if got := c.Current(airlock.EntityPerson); got != 0 {
		t.Errorf("after Reset Current = %d, want 0", got)
	}
	if got := c.Current(airlock.EntityPhone); got != 1 {
		t.Errorf("Reset leaked across types: phone Current = %d, want 1", got)
	}

	c.ResetAll()
	if got := c.Current(airlock.EntityPhone); got != 0 {
		t.Errorf("after ResetAll Current = %d, want 0", got)
	}
}

func TestCounterConcurrentNext(t *testing.T) {
	t.Parallel()

	c := NewCounter()
	const goroutines = 8
	const perGoroutine = 100

	var wg sync.WaitGroup
	seen := make([]map[int]bool, goroutines)
	for i := 0; i < goroutines; i++ {
		seen[i] = make(map[int]bool, perGoroutine)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				seen[i][c.Next(airlock.EntityEmail)] = true
			}
		}(i)
	}
	wg.Wait()

	all := make(map[int]bool)
	for _, m := range seen {
		for n := range m {
			if all[n] {
				t.Fatalf("ordinal %d issued twice", n)
			}
			all[n] = true
		}
	}
	if len(all) != goroutines*perGoroutine {
		t.Errorf("issued %d distinct ordinals, want %d", len(all), goroutines*perGoroutine)
	}
	if got := c.Current(airlock.EntityEmail); got != goroutines*perGoroutine {
		t.Errorf("Current = %d, want %d", got, goroutines*perGoroutine)
	}
}
