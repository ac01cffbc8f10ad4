package messaging

import (
	"context"

	"github.com/custodix/remitter/internal/domain"
)

// Publisher defines the interface for publishing period lifecycle events to
// the message broker. Publishing is fire-and-forget from the caller's view:
// a publish failure never fails the transaction that produced the event.
type Publisher interface {
	// PublishPeriodEvent publishes a period lifecycle event
	PublishPeriodEvent(ctx context.Context, event *domain.PeriodEvent) error
	// Close closes the connection
	Close()
}

// nopPublisher drops every event, for deployments without a broker and tests
type nopPublisher struct{}

// Nop returns a publisher that discards all events
func Nop() Publisher {
	return nopPublisher{}
}

func (nopPublisher) PublishPeriodEvent(ctx context.Context, event *domain.PeriodEvent) error {
	return nil
}

func (nopPublisher) Close() {}
