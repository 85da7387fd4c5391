package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gradelab/grading-engine/grading-engine/internal/logger"
	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

// Publisher pushes status events onto the shared redis channel so every
// server replica can serve live subscriptions, not just the one that
// graded the job.
type Publisher struct {
	client  *redis.Client
	channel string
}

func NewPublisher(client *redis.Client, channel string) *Publisher {
	return &Publisher{client: client, channel: channel}
}

func (p *Publisher) Publish(ctx context.Context, event types.StatusEvent) error {
	ctx, span := tracer.Start(ctx, "Publisher.Publish", trace.WithAttributes(
		attribute.String("job.id", event.JobID),
		attribute.String("status", string(event.Status)),
	))
	defer span.End()

	payload, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal status event")
		return err
	}

	err = p.client.Publish(ctx, p.channel, payload).Err()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish status event")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "published status event")
	return nil
}

// Bridge forwards redis channel traffic into the local hub.
type Bridge struct {
	client  *redis.Client
	hub     *Hub
	channel string
}

func NewBridge(client *redis.Client, channel string, hub *Hub) *Bridge {
	return &Bridge{client: client, channel: channel, hub: hub}
}

// Run subscribes and forwards until ctx is done. Malformed payloads are
// logged and skipped.
func (b *Bridge) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer func() {
		if err := sub.Close(); err != nil {
			logger.Logger.WarnContext(ctx, "failed to close redis subscription", "error", err)
		}
	}()

	logger.Logger.InfoContext(ctx, "forwarding status events", "channel", b.channel)

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-sub.Channel():
			if !ok {
				return
			}

			var event types.StatusEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				logger.Logger.WarnContext(ctx, "skipping malformed status event",
					"error", err,
				)
				continue
			}

			b.hub.Publish(ctx, event)
		}
	}
}
