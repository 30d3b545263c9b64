// Package button turns presses of a GPIO push button into callbacks. The
// kamera preview uses it to rotate through the attached cameras.
package button

import (
	"errors"
	"sync"
	"time"
)

// ErrUnsupported is returned by Watch on platforms without GPIO character
// devices.
var ErrUnsupported = errors.New("button: GPIO is not supported on this platform")

// Config selects the line. The button is expected to pull the line low
// when pressed.
type Config struct {
	Chip     string
	Line     int
	Debounce time.Duration
}

// pressFilter drops presses that follow the previous accepted press within
// the debounce period. Kernel debouncing is not available on every chip, so
// events are filtered here as well.
type pressFilter struct {
	mu       sync.Mutex
	debounce time.Duration
	last     time.Duration
	seen     bool
}

// accept reports whether a press at ts, a monotonic event timestamp, counts.
func (f *pressFilter) accept(ts time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen && ts-f.last < f.debounce {
		return false
	}
	f.last, f.seen = ts, true
	return true
}
