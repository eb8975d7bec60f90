// Package queue is the durable dispatch queue between intake and the worker pool.
//
// Delivery is at least once. A dequeued id stays invisible for the requested
// visibility window; if it is neither acked nor extended in that window it
// becomes visible again and is handed to the next poller.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyProcessID is returned for an enqueue without an id.
var ErrEmptyProcessID = errors.New("process id is required")

// Delivery is one checkout of a process id.
type Delivery struct {
	ProcessID string
	// Receipt identifies this checkout. Ack, Nack and Extend with an older
	// receipt are no-ops.
	Receipt string
	// Deliveries counts how many times the id has been handed out, this one included.
	Deliveries int
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

// Queue is implemented by RedisQueue and SQSQueue.
type Queue interface {
	// Enqueue appends processID. Ids already queued or in flight are ignored.
	Enqueue(ctx context.Context, processID string, priority int) error
	// Dequeue returns nil, nil when nothing is visible.
	Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack makes the id visible again after delay (immediately for zero).
	Nack(ctx context.Context, d *Delivery, delay time.Duration) error
	Extend(ctx context.Context, d *Delivery, visibility time.Duration) error
	Stats(ctx context.Context) (Stats, error)
}
