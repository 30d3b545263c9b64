package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wachiwi/kamera/pkg/camera"
	"github.com/wachiwi/kamera/pkg/snapshot"
)

// idleRetry is how long the pump waits before asking a stopped or failed
// camera again.
const idleRetry = 250 * time.Millisecond

// FrameHub keeps the latest frame of a camera as JPEG and wakes every
// stream client when a new one arrives. Only the pump reads from the
// camera, so any number of clients see every published frame.
type FrameHub struct {
	mu      sync.Mutex
	jpeg    []byte
	seq     uint64
	updated chan struct{}
}

func NewFrameHub() *FrameHub {
	return &FrameHub{updated: make(chan struct{})}
}

// Publish replaces the latest frame. jpeg must not be modified afterwards.
func (h *FrameHub) Publish(jpeg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jpeg = jpeg
	h.seq++
	close(h.updated)
	h.updated = make(chan struct{})
}

// Latest returns the most recent frame and its sequence number, or nil
// before the first frame.
func (h *FrameHub) Latest() ([]byte, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.jpeg, h.seq
}

// Next blocks until a frame newer than seq is published.
func (h *FrameHub) Next(ctx context.Context, seq uint64) ([]byte, uint64, error) {
	for {
		h.mu.Lock()
		jpeg, cur, updated := h.jpeg, h.seq, h.updated
		h.mu.Unlock()
		if cur > seq {
			return jpeg, cur, nil
		}
		select {
		case <-ctx.Done():
			return nil, seq, ctx.Err()
		case <-updated:
		}
	}
}

// Run reads frames from cam, encodes them and publishes them until ctx is
// done. A stopped or failed camera is polled again after a short pause.
func (h *FrameHub) Run(ctx context.Context, cam camera.Capturer, quality int) {
	for {
		f, err := cam.WaitForFrameContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, camera.ErrTimeout) {
				if !errors.Is(err, camera.ErrStopped) {
					slog.Debug("Frame pump idle", "error", err)
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(idleRetry):
				}
			}
			continue
		}

		jpeg, err := snapshot.EncodeJPEG(f, quality)
		f.Close()
		if err != nil {
			slog.Warn("Failed to encode frame", "error", err)
			continue
		}
		h.Publish(jpeg)
	}
}
