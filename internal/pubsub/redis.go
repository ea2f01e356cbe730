// Package pubsub fans committed session mutations and presence changes out to
// every API instance. Redis carries them between instances; the local
// implementations serve a single instance without Redis.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"lyricsync/internal/wire"
)

const defaultPrefix = "lyricsync:"

// Bus publishes channel events and delivers them to every subscriber of the
// same session on any instance.
type Bus interface {
	Publish(ctx context.Context, ev wire.Event) error
	Subscribe(ctx context.Context, sessionID string) (<-chan wire.Event, func(), error)
}

// Presence tracks which writers are in a session and which are typing.
type Presence interface {
	Join(ctx context.Context, sessionID, writerID string) error
	Leave(ctx context.Context, sessionID, writerID string) error
	SetTyping(ctx context.Context, sessionID, writerID string, typing bool) error
	Snapshot(ctx context.Context, sessionID string) (writers, typing []string, err error)
}

// Connect parses redisURL and checks the server answers.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

type RedisBus struct {
	client *redis.Client
	prefix string
}

func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, prefix: defaultPrefix}
}

func (b *RedisBus) channel(sessionID string) string {
	return b.prefix + "session:" + sessionID
}

func (b *RedisBus) Publish(ctx context.Context, ev wire.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(ev.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe returns once the subscription is active, so nothing published
// after it returns is missed. The channel closes after cancel or ctx ends.
func (b *RedisBus) Subscribe(ctx context.Context, sessionID string) (<-chan wire.Event, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel(sessionID))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("subscribe %s: %w", sessionID, err)
	}

	out := make(chan wire.Event, 64)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev wire.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("pubsub: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return out, func() { sub.Close() }, nil
}

type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisPresence(client *redis.Client) *RedisPresence {
	return &RedisPresence{client: client, prefix: defaultPrefix, ttl: 24 * time.Hour}
}

func (p *RedisPresence) writersKey(sessionID string) string {
	return p.prefix + "presence:" + sessionID + ":writers"
}

func (p *RedisPresence) typingKey(sessionID string) string {
	return p.prefix + "presence:" + sessionID + ":typing"
}

func (p *RedisPresence) Join(ctx context.Context, sessionID, writerID string) error {
	key := p.writersKey(sessionID)
	pipe := p.client.TxPipeline()
	pipe.SAdd(ctx, key, writerID)
	pipe.Expire(ctx, key, p.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("join presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) Leave(ctx context.Context, sessionID, writerID string) error {
	pipe := p.client.TxPipeline()
	pipe.SRem(ctx, p.writersKey(sessionID), writerID)
	pipe.SRem(ctx, p.typingKey(sessionID), writerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return nil
}

func (p *RedisPresence) SetTyping(ctx context.Context, sessionID, writerID string, typing bool) error {
	key := p.typingKey(sessionID)
	var err error
	if typing {
		pipe := p.client.TxPipeline()
		pipe.SAdd(ctx, key, writerID)
		pipe.Expire(ctx, key, p.ttl)
		_, err = pipe.Exec(ctx)
	} else {
		err = p.client.SRem(ctx, key, writerID).Err()
	}
	if err != nil {
		return fmt.Errorf("set typing: %w", err)
	}
	return nil
}

func (p *RedisPresence) Snapshot(ctx context.Context, sessionID string) ([]string, []string, error) {
	writers, err := p.client.SMembers(ctx, p.writersKey(sessionID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read writers: %w", err)
	}
	typing, err := p.client.SMembers(ctx, p.typingKey(sessionID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read typing: %w", err)
	}
	sort.Strings(writers)
	sort.Strings(typing)
	return writers, typing, nil
}
