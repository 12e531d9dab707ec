// Package events publishes register lifecycle events. Publishing is best
// effort: a failed publish never undoes the state change it reports.
package events

import (
	"context"
	"encoding/json"
	"time"
)

const (
	SessionOpened = "session.opened"
	SessionClosed = "session.closed"
	SaleFinalized = "sale.finalized"
)

type Event struct {
	Type       string    `json:"type"`
	Key        string    `json:"key"`
	TenantID   string    `json:"tenant_id"`
	OperatorID string    `json:"operator_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error { return nil }

func (NoopPublisher) Close() error { return nil }
