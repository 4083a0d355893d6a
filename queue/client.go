package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client is the Redis surface shared by the distributed executor and remote
// workers.
type Client interface {
	// Push appends an envelope to a queue (LPUSH).
	Push(ctx context.Context, queue string, env Envelope) error

	// Pop removes the oldest envelope from a queue (BRPOP), waiting up to
	// timeout. It returns nil, nil when the wait times out.
	Pop(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error)

	// Publish sends a result to a pub/sub channel.
	Publish(ctx context.Context, channel string, result Result) error

	// Subscribe delivers results published on channel until ctx ends.
	Subscribe(ctx context.Context, channel string) (<-chan Result, error)

	// StoreSession saves an AuthContext primitive under sessionID for ttl.
	StoreSession(ctx context.Context, sessionID string, auth map[string]any, ttl time.Duration) error

	// LoadSession returns the AuthContext primitive stored under sessionID.
	LoadSession(ctx context.Context, sessionID string) (map[string]any, error)

	// CancelJob flags jobID as cancelled for ttl.
	CancelJob(ctx context.Context, jobID string, ttl time.Duration) error

	// IsCancelled reports whether jobID was flagged by CancelJob.
	IsCancelled(ctx context.Context, jobID string) (bool, error)

	// RegisterWorker records a worker process in its pool.
	RegisterWorker(ctx context.Context, meta WorkerMeta) error

	// DeregisterWorker removes a worker process from its pool.
	DeregisterWorker(ctx context.Context, pool, workerID string) error

	// ListWorkers returns the registered workers of pool.
	ListWorkers(ctx context.Context, pool string) ([]WorkerMeta, error)

	// Heartbeat refreshes the health key of a worker with a 30s TTL.
	Heartbeat(ctx context.Context, workerID string) error

	// GetWorkerCount returns the number of worker goroutines serving pool.
	GetWorkerCount(ctx context.Context, pool string) (int, error)

	// IncrementWorkerCount adds n to the pool's worker count.
	IncrementWorkerCount(ctx context.Context, pool string, n int) error

	// DecrementWorkerCount subtracts n from the pool's worker count.
	DecrementWorkerCount(ctx context.Context, pool string, n int) error

	// Close closes the Redis connection.
	Close() error
}

// ErrSessionNotFound is returned by LoadSession for unknown or expired
// sessions.
var ErrSessionNotFound = errors.New("session not found")

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379")
	URL string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration

	// Logger receives dropped-message diagnostics.
	Logger *slog.Logger
}

// RedisClient implements Client using go-redis/v9.
type RedisClient struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(opts RedisOptions) (*RedisClient, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisClient{client: client, logger: opts.Logger}, nil
}

// Push appends an envelope to queue.
func (c *RedisClient) Push(ctx context.Context, queue string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := c.client.LPush(ctx, queue, data).Err(); err != nil {
		return fmt.Errorf("failed to push to queue %s: %w", queue, err)
	}

	return nil
}

// Pop removes the oldest envelope from queue, waiting at most timeout.
func (c *RedisClient) Pop(ctx context.Context, queue string, timeout time.Duration) (*Envelope, error) {
	// BRPOP returns [queue_name, value] or redis.Nil on timeout
	result, err := c.client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to pop from queue %s: %w", queue, err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP result length: %d", len(result))
	}

	var env Envelope
	if err := json.Unmarshal([]byte(result[1]), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	return &env, nil
}

// Publish sends a result to channel.
func (c *RedisClient) Publish(ctx context.Context, channel string, result Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}

	return nil
}

// Subscribe delivers results published on channel. The subscription is
// confirmed before Subscribe returns, so results published afterwards are
// not lost.
func (c *RedisClient) Subscribe(ctx context.Context, channel string) (<-chan Result, error) {
	pubsub := c.client.Subscribe(ctx, channel)

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	resultChan := make(chan Result)

	go func() {
		defer close(resultChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result Result
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					c.logger.Warn("dropping malformed result", "channel", channel, "error", err)
					continue
				}

				select {
				case resultChan <- result:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return resultChan, nil
}

// StoreSession saves an AuthContext primitive as JSON.
func (c *RedisClient) StoreSession(ctx context.Context, sessionID string, auth map[string]any, ttl time.Duration) error {
	data, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := c.client.Set(ctx, sessionKey(sessionID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session %s: %w", sessionID, err)
	}
	return nil
}

// LoadSession returns the AuthContext primitive stored under sessionID.
func (c *RedisClient) LoadSession(ctx context.Context, sessionID string) (map[string]any, error) {
	data, err := c.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}

	var auth map[string]any
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return auth, nil
}

// CancelJob flags jobID as cancelled. Workers skip envelopes of a cancelled
// job that they have not started yet.
func (c *RedisClient) CancelJob(ctx context.Context, jobID string, ttl time.Duration) error {
	if err := c.client.Set(ctx, cancelKey(jobID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}
	return nil
}

// IsCancelled reports whether jobID has been cancelled.
func (c *RedisClient) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	n, err := c.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check job %s: %w", jobID, err)
	}
	return n > 0, nil
}

// RegisterWorker writes worker metadata and adds it to its pool set.
func (c *RedisClient) RegisterWorker(ctx context.Context, meta WorkerMeta) error {
	handlersJSON, err := json.Marshal(meta.Handlers)
	if err != nil {
		return fmt.Errorf("failed to marshal handlers: %w", err)
	}

	// HSET values must be strings for go-redis
	metaMap := map[string]string{
		"id":          meta.ID,
		"pool":        meta.Pool,
		"hostname":    meta.Hostname,
		"handlers":    string(handlersJSON),
		"concurrency": strconv.Itoa(meta.Concurrency),
		"started_at":  strconv.FormatInt(meta.StartedAt, 10),
	}

	args := make([]interface{}, 0, len(metaMap)*2)
	for k, v := range metaMap {
		args = append(args, k, v)
	}
	if err := c.client.HSet(ctx, workerMetaKey(meta.ID), args...).Err(); err != nil {
		return fmt.Errorf("failed to set worker metadata: %w", err)
	}

	if err := c.client.SAdd(ctx, workerSetKey(meta.Pool), meta.ID).Err(); err != nil {
		return fmt.Errorf("failed to add worker to pool %s: %w", meta.Pool, err)
	}

	return nil
}

// DeregisterWorker removes a worker's metadata and pool membership.
func (c *RedisClient) DeregisterWorker(ctx context.Context, pool, workerID string) error {
	if err := c.client.SRem(ctx, workerSetKey(pool), workerID).Err(); err != nil {
		return fmt.Errorf("failed to remove worker %s from pool %s: %w", workerID, pool, err)
	}
	if err := c.client.Del(ctx, workerMetaKey(workerID), healthKey(workerID)).Err(); err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", workerID, err)
	}
	return nil
}

// ListWorkers returns the metadata of every registered worker in pool.
func (c *RedisClient) ListWorkers(ctx context.Context, pool string) ([]WorkerMeta, error) {
	ids, err := c.client.SMembers(ctx, workerSetKey(pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers of pool %s: %w", pool, err)
	}

	workers := make([]WorkerMeta, 0, len(ids))
	for _, id := range ids {
		metaMap, err := c.client.HGetAll(ctx, workerMetaKey(id)).Result()
		if err != nil || len(metaMap) == 0 {
			// Skip workers with missing metadata
			continue
		}

		meta := WorkerMeta{
			ID:       metaMap["id"],
			Pool:     metaMap["pool"],
			Hostname: metaMap["hostname"],
		}
		if s, ok := metaMap["handlers"]; ok {
			_ = json.Unmarshal([]byte(s), &meta.Handlers)
		}
		meta.Concurrency, _ = strconv.Atoi(metaMap["concurrency"])
		meta.StartedAt, _ = strconv.ParseInt(metaMap["started_at"], 10, 64)

		workers = append(workers, meta)
	}

	return workers, nil
}

// Heartbeat refreshes the health key of workerID.
func (c *RedisClient) Heartbeat(ctx context.Context, workerID string) error {
	if err := c.client.Set(ctx, healthKey(workerID), "ok", 30*time.Second).Err(); err != nil {
		return fmt.Errorf("failed to set heartbeat for worker %s: %w", workerID, err)
	}
	return nil
}

// GetWorkerCount returns the number of worker goroutines serving pool.
func (c *RedisClient) GetWorkerCount(ctx context.Context, pool string) (int, error) {
	countStr, err := c.client.Get(ctx, workersKey(pool)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get worker count for pool %s: %w", pool, err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid worker count value: %w", err)
	}

	return count, nil
}

// IncrementWorkerCount adds n to the worker count of pool.
func (c *RedisClient) IncrementWorkerCount(ctx context.Context, pool string, n int) error {
	if err := c.client.IncrBy(ctx, workersKey(pool), int64(n)).Err(); err != nil {
		return fmt.Errorf("failed to increment worker count for pool %s: %w", pool, err)
	}
	return nil
}

// DecrementWorkerCount subtracts n from the worker count of pool.
func (c *RedisClient) DecrementWorkerCount(ctx context.Context, pool string, n int) error {
	if err := c.client.DecrBy(ctx, workersKey(pool), int64(n)).Err(); err != nil {
		return fmt.Errorf("failed to decrement worker count for pool %s: %w", pool, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}

// formatKeyName ensures consistent key naming with the granule:* pattern.
func formatKeyName(parts ...string) string {
	return strings.Join(parts, ":")
}
