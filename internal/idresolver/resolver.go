// Package idresolver maps client temp ids to durable message ids and back.
package idresolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	pendingMarker = "pending"

	DefaultTTL          = 30 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
	DefaultTimeout      = 5 * time.Second
)

var (
	ErrNotFound = errors.New("id mapping not found")
	// ErrTimeout still matches ErrNotFound so callers can treat both as a skip.
	ErrTimeout = fmt.Errorf("%w: resolution timed out", ErrNotFound)
)

// Resolver is the bidirectional temp-id mapping on Redis.
type Resolver struct {
	rdb      redis.UniversalClient
	ttl      time.Duration
	interval time.Duration
	timeout  time.Duration
}

type Option func(*Resolver)

// WithPolling overrides the poll interval and overall bound.
func WithPolling(interval, timeout time.Duration) Option {
	return func(r *Resolver) {
		r.interval = interval
		r.timeout = timeout
	}
}

func New(rdb redis.UniversalClient, opts ...Option) *Resolver {
	r := &Resolver{
		rdb:      rdb,
		ttl:      DefaultTTL,
		interval: DefaultPollInterval,
		timeout:  DefaultTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func tempKey(tempID string) string { return "tempid:" + tempID }
func realKey(realID string) string { return "realid:" + realID }

// IsDurable reports whether id already has the durable identifier shape.
func IsDurable(id string) bool {
	if len(id) != 36 {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

// Register records tempID as pending.
func (r *Resolver) Register(ctx context.Context, tempID string) error {
	if tempID == "" {
		return nil
	}
	return r.rdb.Set(ctx, tempKey(tempID), pendingMarker, r.ttl).Err()
}

// Bind maps tempID to realID in both directions.
func (r *Resolver) Bind(ctx context.Context, tempID, realID string) error {
	if tempID == "" {
		return nil
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, tempKey(tempID), realID, r.ttl)
		p.Set(ctx, realKey(realID), tempID, r.ttl)
		return nil
	})
	return err
}

// Resolve returns the durable id for id. Durable-shaped ids come back as is
// without touching Redis. A pending mapping is polled until bound or the
// timeout passes.
func (r *Resolver) Resolve(ctx context.Context, id string) (string, error) {
	if IsDurable(id) {
		return id, nil
	}
	deadline := time.Now().Add(r.timeout)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		val, err := r.rdb.Get(ctx, tempKey(id)).Result()
		switch {
		case errors.Is(err, redis.Nil):
			return "", ErrNotFound
		case err != nil:
			return "", err
		case val != pendingMarker:
			return val, nil
		}
		if !time.Now().Before(deadline) {
			return "", ErrTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// TempFor returns the temp id a durable id was minted for, if still mapped.
func (r *Resolver) TempFor(ctx context.Context, realID string) (string, error) {
	val, err := r.rdb.Get(ctx, realKey(realID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}
