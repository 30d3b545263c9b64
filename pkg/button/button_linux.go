//go:build linux

package button

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/warthog618/go-gpiocdev"
)

// Watch calls onPress for every debounced falling edge on the configured
// line until ctx is done. onPress runs on the GPIO event goroutine; a slow
// callback delays later events.
func Watch(ctx context.Context, cfg Config, onPress func()) error {
	filter := &pressFilter{debounce: cfg.Debounce}
	handler := func(evt gpiocdev.LineEvent) {
		if evt.Type != gpiocdev.LineEventFallingEdge {
			return
		}
		if !filter.accept(evt.Timestamp) {
			slog.Debug("Ignoring bounced button press", "line", cfg.Line)
			return
		}
		slog.Info("Button pressed", "chip", cfg.Chip, "line", cfg.Line)
		onPress()
	}

	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithEventHandler(handler),
		gpiocdev.WithConsumer("kamera"),
	}
	if cfg.Debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(cfg.Debounce))
	}

	line, err := gpiocdev.RequestLine(cfg.Chip, cfg.Line, opts...)
	if err != nil {
		return fmt.Errorf("failed to request line %d on %s: %w", cfg.Line, cfg.Chip, err)
	}
	slog.Info("Watching button", "chip", cfg.Chip, "line", cfg.Line)

	<-ctx.Done()
	return line.Close()
}
