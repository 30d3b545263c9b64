//go:build !linux && !darwin && !windows

package camera

import (
	"errors"
	"time"
)

func newNativeDriver() driver { return noDriver{} }

// noDriver stands in on platforms without a capture backend. It reports no
// devices, so Open fails with ErrNoDevice.
type noDriver struct{}

func (noDriver) Name() string { return "none" }

func (noDriver) Enumerate() ([]CameraInfo, error) { return nil, nil }

func (noDriver) FrameTimeout() time.Duration { return 0 }

func (noDriver) ThreadInit() func() { return func() {} }

func (noDriver) Open(CameraInfo, sessionConfig, sink) (session, error) {
	return nil, errors.New("no capture backend on this platform")
}
