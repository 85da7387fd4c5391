package notify

import (
	"context"

	"github.com/gradelab/grading-engine/grading-engine/internal/types"
)

// StatusPublisher is the outbound leg of the status fan out.
type StatusPublisher interface {
	Publish(ctx context.Context, event types.StatusEvent) error
}

var (
	_ StatusPublisher = (*Publisher)(nil)
	_ StatusPublisher = (*LocalPublisher)(nil)
)

// LocalPublisher feeds status events straight into an in process hub. It
// stands in for the redis publisher when no redis host is configured, so a
// single replica deployment still serves live subscriptions.
type LocalPublisher struct {
	hub *Hub
}

func NewLocalPublisher(hub *Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

func (p *LocalPublisher) Publish(ctx context.Context, event types.StatusEvent) error {
	p.hub.Publish(ctx, event)
	return nil
}
