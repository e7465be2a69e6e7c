package broker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Transport is the key-value, list and pub/sub capability the broker needs.
type Transport interface {
	Ping(ctx context.Context) error
	RPush(ctx context.Context, key string, value []byte) error
	// BLPop waits up to timeout for the head of key and returns ErrEmpty
	// when nothing arrived.
	BLPop(ctx context.Context, timeout time.Duration, key string) ([]byte, error)
	Get(ctx context.Context, key string) ([]byte, error)
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}

type Subscription interface {
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

type redisTransport struct {
	c *redis.Client
}

// NewRedis parses a redis:// URL and returns a go-redis backed Transport.
func NewRedis(url string) (Transport, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisClient(redis.NewClient(opt)), nil
}

func NewRedisClient(c *redis.Client) Transport { return &redisTransport{c: c} }

func (r *redisTransport) Ping(ctx context.Context) error { return r.c.Ping(ctx).Err() }

func (r *redisTransport) RPush(ctx context.Context, key string, value []byte) error {
	return r.c.RPush(ctx, key, value).Err()
}

func (r *redisTransport) BLPop(ctx context.Context, timeout time.Duration, key string) ([]byte, error) {
	res, err := r.c.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, ErrEmpty
	}
	return []byte(res[1]), nil
}

func (r *redisTransport) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNil
	}
	return b, err
}

func (r *redisTransport) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

func (r *redisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

func (r *redisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.c.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so publishes after this
	// call are observed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return redisSub{ps: ps}, nil
}

func (r *redisTransport) Close() error { return r.c.Close() }

type redisSub struct{ ps *redis.PubSub }

func (s redisSub) Receive(ctx context.Context) ([]byte, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (s redisSub) Close() error { return s.ps.Close() }
