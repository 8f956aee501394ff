package runtime

import (
	"context"
	"log/slog"

	"github.com/cowcowlabs/cowcow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

func registerQueueGauge(st *store.Store, logger *slog.Logger) error {
	meter := otel.Meter("github.com/cowcowlabs/cowcow/runtime")
	pending, err := meter.Int64ObservableGauge("cowcow.queue.pending", metric.WithDescription("Upload tasks waiting or in flight"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		n, err := st.Pending(ctx)
		if err != nil {
			logger.Debug("queue gauge skipped", slog.String("error", err.Error()))
			return nil
		}
		obs.ObserveInt64(pending, int64(n))
		return nil
	}, pending)
	return err
}
