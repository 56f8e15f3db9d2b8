package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	g := New[string](Config{})

	if g.timeout != 30*time.Second {
		t.Errorf("default Timeout = %v, want 30s", g.timeout)
	}
	if g.logger == nil {
		t.Error("expected default logger")
	}
}

func TestGroupDo(t *testing.T) {
	g := New[string](Config{})

	v, shared, err := g.Do(context.Background(), "test-key", func(context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if shared {
		t.Error("single request should not be shared")
	}
	if v != "ok" {
		t.Errorf("v = %q, want ok", v)
	}
}

func TestGroupCoalescing(t *testing.T) {
	g := New[int](Config{})

	var execCount atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{})

	fn := func(context.Context) (int, error) {
		if execCount.Add(1) == 1 {
			close(started)
		}
		<-release
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]int, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _, _ = g.Do(context.Background(), "same", fn)
	}()
	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, _ = g.Do(context.Background(), "same", fn)
		}(i)
	}

	// Give the waiters time to join the flight.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := execCount.Load(); n != 1 {
		t.Errorf("execCount = %d, want 1", n)
	}
	for i, r := range results {
		if r != 42 {
			t.Errorf("results[%d] = %d, want 42", i, r)
		}
	}

	m := g.GetMetrics()
	if m.TotalRequests != 10 || m.Executions != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if m.ActiveFlights != 0 {
		t.Errorf("expected no active flights, got %d", m.ActiveFlights)
	}
}

func TestGroupDifferentKeys(t *testing.T) {
	g := New[string](Config{})

	var execCount atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			g.Do(context.Background(), key, func(context.Context) (string, error) {
				execCount.Add(1)
				time.Sleep(20 * time.Millisecond)
				return key, nil
			})
		}(key)
	}
	wg.Wait()

	if n := execCount.Load(); n != 3 {
		t.Errorf("execCount = %d, want 3", n)
	}
}

func TestGroupError(t *testing.T) {
	g := New[string](Config{})
	boom := errors.New("boom")

	_, _, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestGroupPanic(t *testing.T) {
	g := New[string](Config{})

	_, _, err := g.Do(context.Background(), "k", func(context.Context) (string, error) {
		panic("executor bug")
	})
	if err == nil {
		t.Fatal("expected panic to surface as error")
	}
}

func TestGroupCallerCancel(t *testing.T) {
	g := New[string](Config{})
	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := g.Do(ctx, "k", func(fctx context.Context) (string, error) {
		<-release
		return "late", fctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestGroupDetachedContext(t *testing.T) {
	g := New[string](Config{})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, _, err := g.Do(ctx, "k", func(fctx context.Context) (string, error) {
			close(started)
			time.Sleep(30 * time.Millisecond)
			done <- fctx.Err()
			return "ok", nil
		})
		_ = err
	}()

	<-started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("execution context was cancelled by the caller: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("execution did not finish")
	}
}

func TestGroupTimeout(t *testing.T) {
	g := New[string](Config{Timeout: 20 * time.Millisecond})

	_, _, err := g.Do(context.Background(), "k", func(fctx context.Context) (string, error) {
		<-fctx.Done()
		return "", fctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
