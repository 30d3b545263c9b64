package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countedSample records retain/release calls so tests can check that every
// reference the mailbox takes is given back exactly once.
type countedSample struct {
	name     string
	refs     atomic.Int64
	retains  atomic.Int64
	releases atomic.Int64
}

func newSample(name string) *countedSample {
	s := &countedSample{name: name}
	s.refs.Store(1) // producer's own reference
	return s
}

func (s *countedSample) Retain() {
	s.retains.Add(1)
	s.refs.Add(1)
}

func (s *countedSample) Release() {
	s.releases.Add(1)
	if s.refs.Add(-1) < 0 {
		panic("released more often than retained: " + s.name)
	}
}

func TestMostRecentWins(t *testing.T) {
	m := New[*countedSample](false)
	a, b := newSample("A"), newSample("B")

	m.Push(a)
	m.Push(b)

	got, gen, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got != b {
		t.Errorf("Expected B, got %s", got.name)
	}
	if gen != 2 {
		t.Errorf("Expected generation 2, got %d", gen)
	}
	got.Release()

	// A was displaced by B and must have been released by the mailbox.
	if a.retains.Load() != 1 || a.releases.Load() != 1 {
		t.Errorf("A: expected 1 retain / 1 release, got %d / %d", a.retains.Load(), a.releases.Load())
	}
	if stats := m.Stats(); stats.Drops != 1 {
		t.Errorf("Expected 1 drop, got %d", stats.Drops)
	}

	m.Close()
	if b.refs.Load() != 1 {
		t.Errorf("B: expected only the producer reference left, got %d", b.refs.Load())
	}
}

func TestNoDoubleRelease(t *testing.T) {
	m := New[*countedSample](false)
	samples := make([]*countedSample, 100)
	for i := range samples {
		samples[i] = newSample("s")
		m.Push(samples[i])
		if i%7 == 0 {
			s, _, err := m.Wait(context.Background())
			if err != nil {
				t.Fatalf("Wait failed: %v", err)
			}
			s.Release()
		}
	}
	m.Close()
	m.Close()

	for i, s := range samples {
		if s.retains.Load() != s.releases.Load() {
			t.Errorf("sample %d: %d retains vs %d releases", i, s.retains.Load(), s.releases.Load())
		}
		if s.refs.Load() != 1 {
			t.Errorf("sample %d: expected 1 remaining ref, got %d", i, s.refs.Load())
		}
	}
}

func TestWaitDeliversEachGenerationOnce(t *testing.T) {
	m := New[*countedSample](false)
	m.Push(newSample("A"))

	s, _, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := m.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded for an already delivered generation, got %v", err)
	}
	m.Close()
}

func TestPauseWakesWaiters(t *testing.T) {
	m := New[*countedSample](false)
	const waiters = 4

	var wg sync.WaitGroup
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Wait(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	m.Pause()
	wg.Wait()
	close(errs)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("waiters took %v to wake", elapsed)
	}
	for err := range errs {
		if !errors.Is(err, ErrPaused) {
			t.Errorf("Expected ErrPaused, got %v", err)
		}
	}

	// Samples pushed while paused are held back until Resume.
	m.Push(newSample("late"))
	if _, _, err := m.Wait(context.Background()); !errors.Is(err, ErrPaused) {
		t.Errorf("Expected ErrPaused while paused, got %v", err)
	}
	m.Resume()
	s, _, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait after Resume failed: %v", err)
	}
	s.Release()
	m.Close()
}

func TestCloseWakesWaitersAndRejectsPushes(t *testing.T) {
	m := New[*countedSample](false)

	done := make(chan error, 1)
	go func() {
		_, _, err := m.Wait(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Close")
	}

	s := newSample("after-close")
	m.Push(s)
	if s.refs.Load() != 1 {
		t.Errorf("push after close must not keep a reference, refs=%d", s.refs.Load())
	}
}

func TestPushNonBlocking(t *testing.T) {
	m := New[*countedSample](false)
	defer m.Close()

	// A consumer stuck holding a sample must not slow the producer down.
	m.Push(newSample("first"))
	held, _, err := m.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	defer held.Release()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		m.Push(newSample("burst"))
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Push blocked: 1000 pushes took %v", elapsed)
	}
	if gen := m.Generation(); gen != 1001 {
		t.Errorf("Expected generation 1001, got %d", gen)
	}
}

func TestConcurrentConsumersNeverShareGeneration(t *testing.T) {
	m := New[*countedSample](false)

	var (
		mu   sync.Mutex
		seen = map[uint64]int{}
		wg   sync.WaitGroup
	)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, gen, err := m.Wait(ctx)
				if err != nil {
					return
				}
				s.Release()
				mu.Lock()
				seen[gen]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < 200; i++ {
		m.Push(newSample("p"))
		time.Sleep(100 * time.Microsecond)
	}
	cancel()
	wg.Wait()
	m.Close()

	for gen, n := range seen {
		if n > 1 {
			t.Errorf("generation %d delivered %d times", gen, n)
		}
	}
}
