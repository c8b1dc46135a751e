package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultChannel = "tilesync.notifications"

// NewRedisClient parses url and checks the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

type envelope struct {
	Origin       string       `json:"origin"`
	Notification Notification `json:"notification"`
}

// RedisPublisher forwards notifications to other instances over pub/sub.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	origin  string
}

func NewRedisPublisher(client *redis.Client, channel, origin string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, origin: origin}
}

func (p *RedisPublisher) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(envelope{Origin: p.origin, Notification: n})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// RedisRelay hands notifications published by other instances to a local
// publisher. Messages carrying its own origin are skipped.
type RedisRelay struct {
	client  *redis.Client
	channel string
	origin  string
	target  Publisher
	logger  *log.Logger
	ready   chan struct{}
}

func NewRedisRelay(client *redis.Client, channel, origin string, target Publisher, logger *log.Logger) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RedisRelay{client: client, channel: channel, origin: origin, target: target, logger: logger, ready: make(chan struct{})}
}

// Ready is closed once the subscription is confirmed by the server.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run blocks until ctx is done.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", r.channel, err)
	}
	close(r.ready)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.logger.Printf("notify: bad relay payload: %v", err)
				continue
			}
			if env.Origin == r.origin {
				continue
			}
			if err := r.target.Publish(ctx, env.Notification); err != nil {
				r.logger.Printf("notify: relay deliver failed: %v", err)
			}
		}
	}
}
