// Package msgbus defines the messaging surfaces the data plane consumes: a
// pub/sub topic for replication fan-out and a FIFO queue with group
// ordering and deduplication for migration jobs.
package msgbus

import (
	"context"

	"github.com/zeebo/errs"
)

var (
	// Error is the default msgbus errs class.
	Error = errs.Class("msgbus")

	// ErrEmpty is returned when there is nothing to receive.
	ErrEmpty = errs.Class("bus empty")
)

// Topic is a pub/sub channel with at-least-once work-queue consumption.
type Topic interface {
	// Publish appends a message.
	Publish(ctx context.Context, message []byte) error
	// Receive takes the oldest message, or ErrEmpty.
	Receive(ctx context.Context) ([]byte, error)
	// Release puts a message back at the front for redelivery.
	Release(ctx context.Context, message []byte) error
}

// Message is one FIFO queue delivery.
type Message struct {
	Group string `json:"group"`
	Dedup string `json:"dedup"`
	Body  []byte `json:"body"`
}

// Queue is a FIFO queue with per-group ordering and a deduplication
// window.
type Queue interface {
	// Enqueue appends a message unless its dedup id was recently seen.
	Enqueue(ctx context.Context, group, dedupID string, body []byte) error
	// Receive takes the oldest message, or ErrEmpty.
	Receive(ctx context.Context) (*Message, error)
	// Release puts a message back at the front for redelivery.
	Release(ctx context.Context, message *Message) error
}
