package state

import (
	"context"
	"time"
)

// Store is the key-value contract the pipeline needs from the shared store:
// expiring records, an atomic set-if-absent for locking, and a FIFO list with
// a blocking pop for queue consumption.
type Store interface {
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	PushQueue(ctx context.Context, queue, id string) error
	BlockingPopQueue(ctx context.Context, queue string, timeout time.Duration) (string, bool, error)
	QueueLength(ctx context.Context, queue string) (int, error)
	QueueSnapshot(ctx context.Context, queue string) ([]string, error)
}

func ttlSeconds(ttl time.Duration) int {
	s := int(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
