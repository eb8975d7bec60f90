package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisConfig configures RedisQueue.
type RedisConfig struct {
	Prefix string `yaml:"prefix"`
	// PriorityBoost is the head start one priority level buys over FIFO order.
	PriorityBoost time.Duration `yaml:"priorityBoost"`
	// PromoteBatch bounds how many delayed or expired ids one dequeue moves back to ready.
	PromoteBatch int `yaml:"promoteBatch"`
}

func (c *RedisConfig) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "judge:queue"
	}
	if c.PriorityBoost == 0 {
		c.PriorityBoost = time.Minute
	}
	if c.PromoteBatch <= 0 {
		c.PromoteBatch = 100
	}
}

// RedisQueue implements Queue with sorted sets and Lua scripts.
type RedisQueue struct {
	client redis.UniversalClient
	cfg    RedisConfig
	keys   []string
	now    func() time.Time
}

// NewRedisQueue creates a queue on an existing client.
func NewRedisQueue(client redis.UniversalClient, cfg RedisConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	cfg.applyDefaults()
	p := cfg.Prefix
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		keys: []string{
			p + ":ready",
			p + ":delayed",
			p + ":inflight",
			p + ":receipts",
			p + ":deliveries",
			p + ":meta",
		},
		now: time.Now,
	}, nil
}

// WithClock replaces the time source. Tests use it to move past visibility windows.
func (q *RedisQueue) WithClock(now func() time.Time) *RedisQueue {
	q.now = now
	return q
}

func (q *RedisQueue) nowMs() int64 {
	return q.now().UnixMilli()
}

func (q *RedisQueue) Enqueue(ctx context.Context, processID string, priority int) error {
	if processID == "" {
		return ErrEmptyProcessID
	}
	err := enqueueScript.Run(ctx, q.client, q.keys,
		processID, priority, q.nowMs(), q.cfg.PriorityBoost.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", processID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, visibility time.Duration) (*Delivery, error) {
	receipt := uuid.NewString()
	res, err := dequeueScript.Run(ctx, q.client, q.keys,
		q.nowMs(), visibility.Milliseconds(), receipt, q.cfg.PriorityBoost.Milliseconds(), q.cfg.PromoteBatch).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	count, _ := res[1].(int64)
	return &Delivery{ProcessID: id, Receipt: receipt, Deliveries: int(count)}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, d *Delivery) error {
	if d == nil {
		return nil
	}
	if err := ackScript.Run(ctx, q.client, q.keys, d.ProcessID, d.Receipt).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", d.ProcessID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	if d == nil {
		return nil
	}
	err := nackScript.Run(ctx, q.client, q.keys,
		d.ProcessID, d.Receipt, q.nowMs(), delay.Milliseconds(), q.cfg.PriorityBoost.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("nack %s: %w", d.ProcessID, err)
	}
	return nil
}

func (q *RedisQueue) Extend(ctx context.Context, d *Delivery, visibility time.Duration) error {
	if d == nil {
		return nil
	}
	deadline := q.nowMs() + visibility.Milliseconds()
	if err := extendScript.Run(ctx, q.client, q.keys, d.ProcessID, d.Receipt, deadline).Err(); err != nil {
		return fmt.Errorf("extend %s: %w", d.ProcessID, err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	var ready, delayed, inflight *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		ready = pipe.ZCard(ctx, q.keys[0])
		delayed = pipe.ZCard(ctx, q.keys[1])
		inflight = pipe.ZCard(ctx, q.keys[2])
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val(), InFlight: inflight.Val()}, nil
}

// Deliveries returns the delivery count of a queued or in-flight id.
func (q *RedisQueue) Deliveries(ctx context.Context, processID string) (int, error) {
	v, err := q.client.HGet(ctx, q.keys[4], processID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(v)
}
