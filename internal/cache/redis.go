package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis initializes and returns a Redis client instance.
func ConnectRedis(addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return rdb, nil
}

// DisconnectRedis closes the Redis client connection.
func DisconnectRedis(client *redis.Client) error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis connection: %w", err)
	}
	return nil
}

// BidEvent is published after every accepted bid so read-side consumers
// (websocket broadcasters, dashboards) can follow price movement without
// polling Mongo.
type BidEvent struct {
	ListingID string    `json:"listing_id"`
	BidderID  string    `json:"bidder_id"`
	Amount    float64   `json:"amount"`
	PlacedAt  time.Time `json:"placed_at"`
}

// bidChannel returns the pub/sub channel name for a listing's bid events.
func bidChannel(listingID string) string {
	return "bids:" + listingID
}

// PublishBidEvent publishes ev on the listing's bid channel. Best effort:
// the caller treats failure as non-fatal because the ledger entry is
// already durable in Mongo.
func PublishBidEvent(ctx context.Context, rdb *redis.Client, ev BidEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal bid event: %w", err)
	}
	if err := rdb.Publish(ctx, bidChannel(ev.ListingID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish bid event: %w", err)
	}
	return nil
}
