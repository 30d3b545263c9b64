// Package mailbox bridges an asynchronous producer (a native capture callback)
// and blocking consumers with a single-slot, most-recent-wins exchange.
//
// The producer side never waits for consumers: Push swaps the new sample into
// the slot and releases whatever was there before, consumed or not. Consumers
// block in Wait until a generation they have not seen yet is available.
package mailbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Wait once Close has been called.
	ErrClosed = errors.New("mailbox: closed")
	// ErrPaused is returned by Wait while the mailbox is paused.
	ErrPaused = errors.New("mailbox: paused")
)

// Sample is a reference-counted native handle. Retain adds one reference,
// Release drops one. The mailbox holds at most one reference at a time.
type Sample interface {
	Retain()
	Release()
}

// Stats is a snapshot of the mailbox counters.
type Stats struct {
	// Generation is the number of samples pushed since creation.
	Generation uint64
	// Delivered is the number of generations handed to a consumer.
	Delivered uint64
	// Drops counts samples overwritten before any consumer saw them.
	Drops uint64
}

// Mailbox holds at most one pending sample.
type Mailbox[S Sample] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	sample    S
	held      bool
	gen       uint64 // generation of the held sample
	delivered uint64 // newest generation handed out
	paused    bool
	closed    bool

	drops      atomic.Uint64
	deliveries atomic.Uint64
}

// New returns an empty mailbox. A mailbox starts paused when paused is true,
// which is how a configured but not yet started session begins.
func New[S Sample](paused bool) *Mailbox[S] {
	m := &Mailbox[S]{paused: paused}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Push retains s and makes it the current sample, releasing the previous
// one. It is meant to be called from the native delivery context and only
// holds the mailbox lock for the swap. The result reports whether an
// undelivered sample was overwritten.
func (m *Mailbox[S]) Push(s S) (dropped bool) {
	s.Retain()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		s.Release()
		return false
	}
	old, hadOld := m.sample, m.held
	if hadOld && m.gen > m.delivered {
		m.drops.Add(1)
		dropped = true
	}
	m.sample = s
	m.held = true
	m.gen++
	m.cond.Broadcast()
	m.mu.Unlock()

	if hadOld {
		old.Release()
	}
	return dropped
}

// Wait blocks until a sample newer than the last delivered generation is
// present and returns it together with its generation. The returned sample
// carries its own reference; the caller must Release it.
//
// Wait returns ErrPaused while paused, ErrClosed after Close, or ctx.Err()
// when the context ends first. A waiter that was slow observes the newest
// sample, not necessarily the one whose push woke it.
func (m *Mailbox[S]) Wait(ctx context.Context) (S, uint64, error) {
	var zero S

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		switch {
		case m.closed:
			return zero, 0, ErrClosed
		case m.paused:
			return zero, 0, ErrPaused
		case ctx.Err() != nil:
			return zero, 0, ctx.Err()
		case m.held && m.gen > m.delivered:
			m.delivered = m.gen
			m.deliveries.Add(1)
			m.sample.Retain()
			return m.sample, m.gen, nil
		}
		m.cond.Wait()
	}
}

// Pause makes every current and future Wait return ErrPaused until Resume.
// The held sample is kept.
func (m *Mailbox[S]) Pause() {
	m.mu.Lock()
	m.paused = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Resume undoes Pause. Samples pushed while paused stay available.
func (m *Mailbox[S]) Resume() {
	m.mu.Lock()
	m.paused = false
	m.mu.Unlock()
}

// Close wakes all waiters and releases the held sample. Further pushes are
// released immediately. Close is idempotent.
func (m *Mailbox[S]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	old, hadOld := m.sample, m.held
	var zero S
	m.sample = zero
	m.held = false
	m.cond.Broadcast()
	m.mu.Unlock()

	if hadOld {
		old.Release()
	}
}

// Generation returns the number of pushes accepted so far.
func (m *Mailbox[S]) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Stats returns the current counters.
func (m *Mailbox[S]) Stats() Stats {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	return Stats{
		Generation: gen,
		Delivered:  m.deliveries.Load(),
		Drops:      m.drops.Load(),
	}
}
