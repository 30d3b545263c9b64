package handlers

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	streamClients  metric.Int64UpDownCounter = noop.Int64UpDownCounter{}
	snapshotsSaved metric.Int64Counter       = noop.Int64Counter{}
)

func init() {
	var err error
	meter := otel.Meter("github.com/wachiwi/kamera/cmd/preview")
	streamClients, err = meter.Int64UpDownCounter("preview.stream.clients",
		metric.WithDescription("MJPEG stream clients currently connected"),
		metric.WithUnit("{clients}"),
	)
	if err != nil {
		slog.Error("Failed to create stream metrics", "error", err)
		streamClients = noop.Int64UpDownCounter{}
	}
	snapshotsSaved, err = meter.Int64Counter("preview.snapshots.saved",
		metric.WithDescription("Snapshots written to the snapshot directory"),
		metric.WithUnit("{files}"),
	)
	if err != nil {
		slog.Error("Failed to create snapshot metrics", "error", err)
		snapshotsSaved = noop.Int64Counter{}
	}
}
