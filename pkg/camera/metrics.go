package camera

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	framesDelivered metric.Int64Counter = noop.Int64Counter{}
	framesDropped   metric.Int64Counter = noop.Int64Counter{}
	waitTimeouts    metric.Int64Counter = noop.Int64Counter{}
	deviceChanges   metric.Int64Counter = noop.Int64Counter{}
)

func init() {
	meter := otel.Meter("github.com/wachiwi/kamera/pkg/camera")

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&framesDelivered, "kamera.frames.delivered", "Frames handed to callers of WaitForFrame", "{frames}"},
		{&framesDropped, "kamera.frames.dropped", "Frames overwritten in the mailbox before anyone read them", "{frames}"},
		{&waitTimeouts, "kamera.wait.timeouts", "WaitForFrame calls that ran into the frame timeout", "{calls}"},
		{&deviceChanges, "kamera.device.changes", "Completed ChangeDevice rotations", "{changes}"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			slog.Error("Failed to create camera metric", "metric", c.name, "error", err)
			continue
		}
		*c.dst = counter
	}
}
