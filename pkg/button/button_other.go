//go:build !linux

package button

import "context"

// Watch reports ErrUnsupported; GPIO buttons need the Linux character device.
func Watch(ctx context.Context, cfg Config, onPress func()) error {
	return ErrUnsupported
}
