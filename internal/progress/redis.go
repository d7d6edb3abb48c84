package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/cache"
	"github.com/bigdegenenergy/open-cloud-ops/meridian/pkg/models"
)

const channelPrefix = "meridian:progress:"

// Channel returns the pub/sub channel carrying events for businessID.
func Channel(businessID string) string {
	return channelPrefix + businessID
}

// RedisPublisher publishes events to Redis so every replica's SSE clients
// see them.
type RedisPublisher struct {
	cache *cache.Cache
}

// NewRedisPublisher creates a publisher over c.
func NewRedisPublisher(c *cache.Cache) *RedisPublisher {
	return &RedisPublisher{cache: c}
}

// Emit implements Emitter.
func (p *RedisPublisher) Emit(ctx context.Context, ev models.ProgressEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding progress event: %w", err)
	}
	_, err = p.cache.Publish(ctx, Channel(ev.BusinessID), payload)
	return err
}

// Relay forwards every event published on Redis into the local broker until
// ctx is done.
func Relay(ctx context.Context, c *cache.Cache, broker *Broker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	sub := c.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("dropping malformed progress event", "channel", msg.Channel, "error", err)
				continue
			}
			if ev.BusinessID == "" {
				ev.BusinessID = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			_ = broker.Emit(ctx, ev)
		}
	}
}
