package store

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/deltasync/pkg/errors"
)

// deleteIfEqual deletes KEYS[1] if its value is ARGV[1].
var deleteIfEqual = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Store shared by all server processes connected to the same Redis
// server.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis server at `addr`.
func NewRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.WithContext(err, "ping")
	}
	return &Redis{client: client}, nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, 0).Result()
	return ok, errors.WithContext(err, "setnx")
}

func (r *Redis) Set(ctx context.Context, key, value string) error {
	return errors.WithContext(r.client.Set(ctx, key, value, 0).Err(), "set")
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	switch {
	case err == redis.Nil:
		return "", false, nil
	case err != nil:
		return "", false, errors.WithContext(err, "get")
	}
	return value, true, nil
}

func (r *Redis) DeleteIfEqual(ctx context.Context, key, value string) (bool, error) {
	deleted, err := deleteIfEqual.Run(ctx, r.client, []string{key}, value).Int()
	if err != nil {
		return false, errors.WithContext(err, "delete")
	}
	return deleted == 1, nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return errors.WithContext(r.client.Publish(ctx, channel, payload).Err(), "publish")
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)

	// Wait for the confirmation so that no message published after Subscribe
	// returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, errors.WithContext(err, "subscribe")
	}

	sub := &redisSubscription{
		pubsub:   pubsub,
		messages: make(chan []byte, subscriptionBuffer),
		done:     make(chan struct{}),
	}
	go sub.run(channel)
	return sub, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub   *redis.PubSub
	messages chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func (sub *redisSubscription) run(channel string) {
	defer close(sub.messages)

	for msg := range sub.pubsub.Channel() {
		select {
		case sub.messages <- []byte(msg.Payload):
		case <-sub.done:
			return
		default:
			log.WithField("channel", channel).Warn("Subscriber is too slow, dropping message")
		}
	}
}

func (sub *redisSubscription) Messages() <-chan []byte {
	return sub.messages
}

func (sub *redisSubscription) Close() (err error) {
	sub.closeOnce.Do(func() {
		close(sub.done)
		err = sub.pubsub.Close()
	})
	return err
}
