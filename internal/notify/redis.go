package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces the pub/sub channels, one per key id.
const ChannelPrefix = "shiplog:logs:"

// Redis relays signals through Redis pub/sub so that a write handled by
// one server replica wakes streams held open by another. Incoming
// messages are fanned out through a Local.
type Redis struct {
	client *redis.Client
	local  *Local
	logger *slog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewRedis subscribes to every key channel and starts relaying. The
// subscription is confirmed before NewRedis returns.
func NewRedis(ctx context.Context, client *redis.Client, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pubsub := client.PSubscribe(ctx, ChannelPrefix+"*")
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s*: %w", ChannelPrefix, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &Redis{
		client: client,
		local:  NewLocal(),
		logger: logger,
		pubsub: pubsub,
		cancel: cancel,
	}
	r.wg.Add(1)
	go r.relay(loopCtx)
	return r, nil
}

func (r *Redis) relay(ctx context.Context) {
	defer r.wg.Done()
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			keyID := strings.TrimPrefix(msg.Channel, ChannelPrefix)
			if keyID == "" {
				continue
			}
			r.local.signal(keyID)
		}
	}
}

func (r *Redis) Publish(ctx context.Context, keyID string) error {
	if err := r.client.Publish(ctx, ChannelPrefix+keyID, "1").Err(); err != nil {
		// Wake local streams anyway; only other replicas miss out.
		r.local.signal(keyID)
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (r *Redis) Subscribe(keyID string) (<-chan struct{}, func()) {
	return r.local.Subscribe(keyID)
}

// Close stops relaying. The Redis client itself is left open.
func (r *Redis) Close() error {
	r.cancel()
	err := r.pubsub.Close()
	r.wg.Wait()
	return err
}
