package handlers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFrameHubBroadcast(t *testing.T) {
	h := NewFrameHub()
	if frame, seq := h.Latest(); frame != nil || seq != 0 {
		t.Fatalf("Expected empty hub, got %v/%d", frame, seq)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	type got struct {
		frame []byte
		seq   uint64
		err   error
	}
	results := make(chan got, 2)
	for i := 0; i < 2; i++ {
		go func() {
			frame, seq, err := h.Next(ctx, 0)
			results <- got{frame, seq, err}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	h.Publish([]byte("one"))

	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("Failed to get frame: %v", r.err)
		}
		if string(r.frame) != "one" || r.seq != 1 {
			t.Errorf("Expected frame one/1, got %q/%d", r.frame, r.seq)
		}
	}
}

func TestFrameHubNextSkipsSeen(t *testing.T) {
	h := NewFrameHub()
	h.Publish([]byte("one"))
	h.Publish([]byte("two"))

	frame, seq, err := h.Next(context.Background(), 0)
	if err != nil || string(frame) != "two" || seq != 2 {
		t.Errorf("Expected latest frame two/2, got %q/%d/%v", frame, seq, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := h.Next(ctx, 2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}
