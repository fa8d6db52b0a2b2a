package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestRegistry_SameNameSharesInstance(t *testing.T) {
	r := NewRegistry(slog.Default())

	a := r.Get("gmail", Config{FailureThreshold: 3})
	b := r.Get("gmail", Config{FailureThreshold: 99})
	if a != b {
		t.Fatal("expected same breaker instance for same name")
	}

	c := r.Get("notion", Config{FailureThreshold: 3})
	if a == c {
		t.Fatal("expected distinct breakers for distinct names")
	}
}

func TestRegistry_ConcurrentFirstUse(t *testing.T) {
	r := NewRegistry(slog.Default())

	const goroutines = 50
	results := make([]*Breaker, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Get("openai", Config{FailureThreshold: 2})
		}()
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent first-use created more than one breaker for the same name")
		}
	}
}

func TestRegistry_StatusAndNames(t *testing.T) {
	r := NewRegistry(slog.Default())
	r.Get("gmail", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	r.Get("cse", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})

	gmail, _ := r.Lookup("gmail")
	gmail.Do(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})

	status := r.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 status entries, got %d", len(status))
	}
	if status["gmail"].State != "open" {
		t.Errorf("gmail state = %q, want open", status["gmail"].State)
	}
	if status["cse"].State != "closed" {
		t.Errorf("cse state = %q, want closed", status["cse"].State)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "cse" || names[1] != "gmail" {
		t.Errorf("Names() = %v, want [cse gmail]", names)
	}
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(slog.Default())
	b := r.Get("gmail", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	b.Do(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})

	if !r.Reset("gmail") {
		t.Fatal("expected Reset to find the breaker")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed after reset, got %v", b.State())
	}
	if r.Reset("unknown") {
		t.Fatal("expected Reset to return false for unknown name")
	}
}

func TestRegistry_LookupMissing(t *testing.T) {
	r := NewRegistry(slog.Default())
	if _, ok := r.Lookup("nope"); ok {
		t.Fatal("expected Lookup to miss on empty registry")
	}
}
