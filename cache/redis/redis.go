package redis

import (
	"context"
	"crypto/tls"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segment-chat/segment/cache"
)

var _ cache.SegmentCache = (*RedisSegmentCache)(nil)

type RedisSegmentCache struct {
	client redis.UniversalClient
}

func NewRedisSegmentCache(ctx context.Context, devMode bool, redisEndpoint string) (*RedisSegmentCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redisEndpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisSegmentCache{client: client}, nil
}

func (redisCache *RedisSegmentCache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisCache.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisCache *RedisSegmentCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Printf("Pubsub channel closed: %s", channel)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Server keys live under a TTL: trust-on-first-use still re-fetches a
// host's key periodically instead of pinning it forever.
const serverKeyTTL = 1 * time.Hour

func buildServerKeyKey(host string) string {
	return "serverkey:{" + host + "}"
}

func (redisCache *RedisSegmentCache) SetServerKey(ctx context.Context, host string, publicKeyPEM string) error {
	return redisCache.client.Set(ctx, buildServerKeyKey(host), publicKeyPEM, serverKeyTTL).Err()
}

func (redisCache *RedisSegmentCache) GetServerKey(ctx context.Context, host string) (string, error) {
	val, err := redisCache.client.Get(ctx, buildServerKeyKey(host)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil // Not cached
		}
		return "", err
	}
	return val, nil
}

func (redisCache *RedisSegmentCache) InvalidateServerKey(ctx context.Context, host string) error {
	return redisCache.client.Del(ctx, buildServerKeyKey(host)).Err()
}
