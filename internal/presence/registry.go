// Package presence tracks currently-connected listeners per broadcast
// session. Entries are per-connection and carry a heartbeat score so a
// vanished connection ages out instead of inflating the count forever.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "presence:"

// Update is one presence reading. Err set means the feed is degraded; the
// consumer keeps its last known count and flags staleness.
type Update struct {
	Count int
	Err   error
}

// Registry is a Redis sorted-set presence registry. Member = connection id,
// score = last heartbeat unix time; members older than TTL are pruned on read.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRegistry creates a presence registry.
func NewRegistry(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{client: client, ttl: ttl, logger: logger}
}

func key(sessionID uuid.UUID) string {
	return keyPrefix + sessionID.String()
}

// Join registers a connection for a session.
func (r *Registry) Join(ctx context.Context, sessionID uuid.UUID, connID string) error {
	err := r.client.ZAdd(ctx, key(sessionID), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: connID,
	}).Err()
	if err != nil {
		return fmt.Errorf("presence join: %w", err)
	}
	return nil
}

// Heartbeat refreshes a connection's liveness.
func (r *Registry) Heartbeat(ctx context.Context, sessionID uuid.UUID, connID string) error {
	return r.Join(ctx, sessionID, connID)
}

// Leave removes a connection explicitly.
func (r *Registry) Leave(ctx context.Context, sessionID uuid.UUID, connID string) error {
	err := r.client.ZRem(ctx, key(sessionID), connID).Err()
	if err != nil {
		return fmt.Errorf("presence leave: %w", err)
	}
	return nil
}

// Count prunes stale entries and returns the live connection count.
func (r *Registry) Count(ctx context.Context, sessionID uuid.UUID) (int, error) {
	k := key(sessionID)
	cutoff := strconv.FormatInt(time.Now().Add(-r.ttl).Unix(), 10)
	if err := r.client.ZRemRangeByScore(ctx, k, "-inf", cutoff).Err(); err != nil {
		return 0, fmt.Errorf("presence prune: %w", err)
	}
	n, err := r.client.ZCard(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("presence count: %w", err)
	}
	return int(n), nil
}

// Subscribe polls the presence count and pushes readings until cancelled.
// Redis failures surface as degraded updates, never as a silent zero.
func (r *Registry) Subscribe(sessionID uuid.UUID) (<-chan Update, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Update, 8)

	interval := r.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			n, err := r.Count(ctx, sessionID)
			if ctx.Err() != nil {
				return
			}
			upd := Update{Count: n, Err: err}
			if err != nil {
				r.logger.Warn("presence feed degraded", zap.String("session_id", sessionID.String()), zap.Error(err))
			}
			select {
			case out <- upd:
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, cancel
}

// Clear removes the whole presence set when a session ends.
func (r *Registry) Clear(ctx context.Context, sessionID uuid.UUID) error {
	return r.client.Del(ctx, key(sessionID)).Err()
}
