package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/muhrin/aiida-core/internal/config"
	"github.com/muhrin/aiida-core/internal/core"
)

// RedisConnector keeps launches in a redis list: LPUSH to publish, RPOP to
// consume, so the oldest launch is picked up first.
type RedisConnector struct {
	closeFlag
	client *redis.Client
	queue  string
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg config.BrokerConfig) (*RedisConnector, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, core.ErrExecution(core.CodeBrokerUnavailable,
			fmt.Sprintf("connecting to redis at %s:%d", cfg.Host, cfg.Port)).WithCause(err)
	}
	return NewRedisConnector(client, cfg.Prefix), nil
}

// NewRedisConnector wraps an existing client. Close closes the client.
func NewRedisConnector(client *redis.Client, prefix string) *RedisConnector {
	return &RedisConnector{client: client, queue: QueueName(prefix)}
}

// Client returns the underlying client.
func (c *RedisConnector) Client() *redis.Client {
	return c.client
}

func (c *RedisConnector) Launch(ctx context.Context, pid int64) error {
	if c.isClosed() {
		return ErrClosed
	}
	msg, err := encodeLaunch(pid)
	if err != nil {
		return err
	}
	if err := c.client.LPush(ctx, c.queue, msg).Err(); err != nil {
		return core.ErrExecution(core.CodeBrokerUnavailable, "publishing launch").WithCause(err)
	}
	return nil
}

func (c *RedisConnector) Next(ctx context.Context) (int64, bool, error) {
	if c.isClosed() {
		return 0, false, ErrClosed
	}
	raw, err := c.client.RPop(ctx, c.queue).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, core.ErrExecution(core.CodeBrokerUnavailable, "consuming launch").WithCause(err)
	}
	pid, err := decodeLaunch(raw)
	if err != nil {
		return 0, false, err
	}
	return pid, true, nil
}

func (c *RedisConnector) Close() error {
	if !c.markClosed() {
		return nil
	}
	return c.client.Close()
}
