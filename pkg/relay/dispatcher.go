package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/emerry-tsun/JMA/internal/observability"
	"github.com/emerry-tsun/JMA/pkg/model"
	"github.com/emerry-tsun/JMA/pkg/publisher"
)

// DeliveryRecorder persists publish outcomes.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, d *model.Delivery) error
}

// RetryPolicy is a bounded retry with a fixed delay between attempts.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

// DefaultRetryPolicy tries three times, ten seconds apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Interval: 10 * time.Second}

// Dispatcher hands posts to the publisher registered for each account.
type Dispatcher struct {
	registry *publisher.Registry
	recorder DeliveryRecorder
	policy   RetryPolicy
	clock    clockwork.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil clock selects the real clock; a nil
// recorder keeps no delivery log.
func NewDispatcher(registry *publisher.Registry, recorder DeliveryRecorder, policy RetryPolicy,
	clock clockwork.Clock, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Dispatcher{
		registry: registry,
		recorder: recorder,
		policy:   policy,
		clock:    clock,
		metrics:  metrics,
		logger:   logger,
	}
}

// Deliver publishes post to account. The returned error is the last attempt's
// failure; it concerns this account only.
func (d *Dispatcher) Deliver(ctx context.Context, runID, account, areaCode string, tier model.Tier, post model.Post) error {
	logger := d.logger.With("run_id", runID, "account", account, "area", areaCode, "tier", tier.String())

	delivery := &model.Delivery{
		ID:       uuid.NewString(),
		RunID:    runID,
		Account:  account,
		AreaCode: areaCode,
		Tier:     tier,
		Lang:     post.Lang,
		Text:     post.Text,
	}

	err := d.publish(ctx, logger, account, post, delivery)

	delivery.CreatedAt = d.clock.Now().UTC()
	if err != nil {
		delivery.Status = model.DeliveryFailed
		delivery.Error = err.Error()
		logger.Error("publish abandoned", "attempts", delivery.Attempts, "error", err)
	} else {
		delivery.Status = model.DeliverySent
		logger.Info("post published", "attempts", delivery.Attempts)
	}
	d.metrics.Posts.WithLabelValues(account, string(delivery.Status)).Inc()

	if d.recorder == nil {
		return err
	}
	if rerr := d.recorder.RecordDelivery(ctx, delivery); rerr != nil {
		logger.Warn("failed to record delivery", "error", rerr)
	}
	return err
}

func (d *Dispatcher) publish(ctx context.Context, logger *slog.Logger, account string, post model.Post, delivery *model.Delivery) error {
	p, err := d.registry.Get(account)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= d.policy.Attempts; attempt++ {
		delivery.Attempts = attempt
		d.metrics.PublishAttempts.Inc()

		if lastErr = p.Publish(ctx, post); lastErr == nil {
			return nil
		}
		logger.Warn("publish attempt failed",
			"publisher", p.Name(),
			"attempt", attempt,
			"max_attempts", d.policy.Attempts,
			"error", lastErr,
		)
		if attempt == d.policy.Attempts {
			break
		}
		if err := d.wait(ctx); err != nil {
			return fmt.Errorf("publish to %s interrupted: %w", account, err)
		}
	}
	return fmt.Errorf("publish to %s failed after %d attempts: %w", account, d.policy.Attempts, lastErr)
}

func (d *Dispatcher) wait(ctx context.Context) error {
	if d.policy.Interval <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(d.policy.Interval):
		return nil
	}
}
