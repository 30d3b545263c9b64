package camera

import "context"

// Capturer is the part of the API that Camera and ThreadedCamera share.
type Capturer interface {
	Start() error
	Stop() error
	ChangeDevice() error
	WaitForFrameContext(ctx context.Context) (*Frame, error)
	State() State
	Info() CameraInfo
	EnumerateCameras() []CameraInfo
	Close() error
}

var (
	_ Capturer = (*Camera)(nil)
	_ Capturer = (*ThreadedCamera)(nil)
)

// OpenCapturer opens a ThreadedCamera when threaded is set and a Camera
// otherwise.
func OpenCapturer(threaded bool, opts ...Option) (Capturer, error) {
	if threaded {
		tc, err := NewThreadedCamera(opts...)
		if err != nil {
			return nil, err
		}
		return tc, nil
	}
	c, err := Open(opts...)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CapturerStats returns the session counters of a Camera or ThreadedCamera.
func CapturerStats(c Capturer) (Stats, error) {
	switch c := c.(type) {
	case *Camera:
		return c.Stats(), nil
	case *ThreadedCamera:
		return c.Stats()
	default:
		return Stats{State: c.State(), Device: c.Info()}, nil
	}
}
