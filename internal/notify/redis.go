package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultInboxSize is how many notifications a participant inbox retains.
const DefaultInboxSize = 50

// RedisSink publishes notifications on a pub/sub channel for other engine
// replicas and keeps a capped per-participant inbox list so a client that
// reconnects can catch up.
type RedisSink struct {
	client    redis.UniversalClient
	channel   string
	inboxSize int64
}

// NewRedisSink wraps an existing client.
func NewRedisSink(client redis.UniversalClient, channel string, inboxSize int) (*RedisSink, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if channel == "" {
		return nil, errors.New("redis channel is required")
	}
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &RedisSink{client: client, channel: channel, inboxSize: int64(inboxSize)}, nil
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// InboxKey is the list holding recent notifications for a participant.
func InboxKey(participantID string) string {
	return "proctor:inbox:" + participantID
}

func (s *RedisSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	key := InboxKey(n.ParticipantID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, s.inboxSize-1)
	pipe.Publish(ctx, s.channel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Inbox returns up to limit recent notifications for a participant, newest first.
func (s *RedisSink) Inbox(ctx context.Context, participantID string, limit int) ([]Notification, error) {
	if limit <= 0 || int64(limit) > s.inboxSize {
		limit = int(s.inboxSize)
	}
	raw, err := s.client.LRange(ctx, InboxKey(participantID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inbox read failed: %w", err)
	}
	out := make([]Notification, 0, len(raw))
	for _, item := range raw {
		var n Notification
		if err := json.Unmarshal([]byte(item), &n); err != nil {
			return nil, fmt.Errorf("decode inbox entry: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
