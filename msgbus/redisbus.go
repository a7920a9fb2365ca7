package msgbus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacemonkeygo/monkit/v3"
)

var mon = monkit.Package()

// Config holds the redis connection settings for the message bus.
type Config struct {
	Address          string        `help:"redis address (host:port)" default:"localhost:6379"`
	Password         string        `help:"redis auth token" default:""`
	DB               int           `help:"redis database number" default:"0"`
	ReplicationTopic string        `help:"list key for replication events" default:"bus:replication"`
	MigrationQueue   string        `help:"list key for migration jobs" default:"bus:migrations"`
	DedupWindow      time.Duration `help:"how long enqueue dedup markers live" default:"5m"`
}

// Client is a redis-backed message bus. Topics and queues are redis
// lists: LPUSH to enqueue, RPOP to dequeue, RPUSH to put a message back at
// the front.
type Client struct {
	rdb *redis.Client
}

// Dial connects to redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, Error.New("ping failed: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the redis connection.
func (client *Client) Close() error {
	return Error.Wrap(client.rdb.Close())
}

// Topic returns the named topic.
func (client *Client) Topic(key string) Topic {
	return &redisTopic{rdb: client.rdb, key: key}
}

// Queue returns the named FIFO queue.
func (client *Client) Queue(key string, dedupWindow time.Duration) Queue {
	return &redisQueue{rdb: client.rdb, key: key, dedupWindow: dedupWindow}
}

type redisTopic struct {
	rdb *redis.Client
	key string
}

func (topic *redisTopic) Publish(ctx context.Context, message []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(topic.rdb.LPush(ctx, topic.key, message).Err())
}

func (topic *redisTopic) Receive(ctx context.Context) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)
	out, err := topic.rdb.RPop(ctx, topic.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty.New("%s", topic.key)
		}
		return nil, Error.Wrap(err)
	}
	return out, nil
}

func (topic *redisTopic) Release(ctx context.Context, message []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(topic.rdb.RPush(ctx, topic.key, message).Err())
}

type redisQueue struct {
	rdb         *redis.Client
	key         string
	dedupWindow time.Duration
}

func (queue *redisQueue) Enqueue(ctx context.Context, group, dedupID string, body []byte) (err error) {
	defer mon.Task()(&ctx)(&err)

	if dedupID != "" {
		fresh, err := queue.rdb.SetNX(ctx, queue.dedupKey(group, dedupID), 1, queue.dedupWindow).Result()
		if err != nil {
			return Error.Wrap(err)
		}
		if !fresh {
			return nil
		}
	}

	envelope, err := json.Marshal(Message{Group: group, Dedup: dedupID, Body: body})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(queue.rdb.LPush(ctx, queue.key, envelope).Err())
}

func (queue *redisQueue) Receive(ctx context.Context) (_ *Message, err error) {
	defer mon.Task()(&ctx)(&err)

	out, err := queue.rdb.RPop(ctx, queue.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrEmpty.New("%s", queue.key)
		}
		return nil, Error.Wrap(err)
	}
	var message Message
	if err := json.Unmarshal(out, &message); err != nil {
		return nil, Error.New("corrupt envelope: %w", err)
	}
	return &message, nil
}

func (queue *redisQueue) Release(ctx context.Context, message *Message) (err error) {
	defer mon.Task()(&ctx)(&err)

	envelope, err := json.Marshal(message)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(queue.rdb.RPush(ctx, queue.key, envelope).Err())
}

func (queue *redisQueue) dedupKey(group, dedupID string) string {
	return queue.key + ":dedup:" + group + ":" + dedupID
}
