package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	DefaultKillChannel = "pgagent:kill"
)

// RedisClient implements Client over Redis pub/sub so that every agent sees every request
type RedisClient struct {
	client  *redis.Client
	channel string
	sub     *redis.PubSub
}

// NewRedisClient connects to Redis and subscribes to channel
func NewRedisClient(addr, password string, db int, channel string) (*RedisClient, error) {
	if channel == "" {
		channel = DefaultKillChannel
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		_ = client.Close()
		return nil, fmt.Errorf("could not subscribe to %s: %w", channel, err)
	}

	return &RedisClient{client: client, channel: channel, sub: sub}, nil
}

// Publish broadcasts a kill request
func (r *RedisClient) Publish(ctx context.Context, request KillRequest) error {
	if err := request.validate(); err != nil {
		return err
	}
	if request.RequestedAt.IsZero() {
		request.RequestedAt = time.Now().UTC()
	}
	data, err := json.Marshal(request)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// EnsureConnected pings Redis. The subscription reconnects by itself.
func (r *RedisClient) EnsureConnected(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Drain returns the job ids of the requests received since the last call
func (r *RedisClient) Drain(ctx context.Context) ([]int64, error) {
	var ids []int64
	ch := r.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ids, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return ids, fmt.Errorf("subscription to %s closed", r.channel)
			}
			id, err := ParseKillPayload(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("payload", msg.Payload).Msg("Ignoring bad kill request")
				continue
			}
			ids = append(ids, id)
		default:
			return ids, nil
		}
	}
}

// ParseKillPayload reads a job id from either a KillRequest document or a bare number
func ParseKillPayload(payload string) (int64, error) {
	payload = strings.TrimSpace(payload)
	if id, err := strconv.ParseInt(payload, 10, 64); err == nil {
		if id <= 0 {
			return 0, fmt.Errorf("job id %d must be > 0", id)
		}
		return id, nil
	}

	var request KillRequest
	if err := json.Unmarshal([]byte(payload), &request); err != nil {
		return 0, fmt.Errorf("could not parse kill request: %w", err)
	}
	if err := request.validate(); err != nil {
		return 0, err
	}
	return request.JobID, nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	if err := r.sub.Close(); err != nil {
		log.Warn().Err(err).Msg("Could not close redis subscription")
	}
	return r.client.Close()
}
