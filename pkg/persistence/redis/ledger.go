// Package redis provides a Redis-backed execution ledger, suitable for replicas
// sharing one idempotency ledger.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// Ledger stores each execution record as a JSON string under
// <prefix>:execution:<key> and indexes it in a per-workflow sorted set scored
// by start time.
type Ledger struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ persistence.Ledger = (*Ledger)(nil)

// getter and zadder are the command subsets shared by clients, transactions
// and pipelines.
type (
	getter interface {
		Get(ctx context.Context, key string) *redis.StringCmd
	}
	zadder interface {
		ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	}
)

// Option configures a Ledger.
type Option func(*Ledger)

// WithPrefix sets the key prefix. Default is "crmflow".
func WithPrefix(prefix string) Option {
	return func(l *Ledger) {
		l.prefix = prefix
	}
}

// WithTTL expires records after ttl. Default is 0, records are kept forever.
// Keys expiring also expires their idempotency protection.
func WithTTL(ttl time.Duration) Option {
	return func(l *Ledger) {
		l.ttl = ttl
	}
}

// NewLedger creates a ledger on an existing client.
func NewLedger(client *redis.Client, opts ...Option) *Ledger {
	l := &Ledger{client: client, prefix: "crmflow"}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// NewLedgerFromURL parses a redis:// URL and creates a ledger.
func NewLedgerFromURL(url string, opts ...Option) (*Ledger, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	return NewLedger(redis.NewClient(options), opts...), nil
}

func (l *Ledger) executionKey(key string) string {
	return l.prefix + ":execution:" + key
}

func (l *Ledger) workflowIndexKey(workflowID string) string {
	return l.prefix + ":workflow:" + workflowID + ":executions"
}

// Acquire uses SET NX so exactly one caller creates the record.
func (l *Ledger) Acquire(ctx context.Context, record *models.ExecutionRecord) (*models.ExecutionRecord, bool, error) {
	if record.IdempotencyKey == "" {
		return nil, false, persistence.NewExecutionError("Acquire", "", persistence.ErrInvalidExecution)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, err)
	}

	created, err := l.client.SetNX(ctx, l.executionKey(record.IdempotencyKey), data, l.ttl).Result()
	if err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, fmt.Errorf("redis setnx failed: %w", err))
	}

	if !created {
		existing, err := l.Get(ctx, record.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}

		return existing, false, nil
	}

	if err := l.index(ctx, l.client, record); err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, err)
	}

	return record.Clone(), true, nil
}

// Reclaim replaces the record inside a WATCH transaction; a concurrent
// writer aborts the transaction and the reclaim is lost.
func (l *Ledger) Reclaim(ctx context.Context, record *models.ExecutionRecord, prevAttempt int) (bool, error) {
	key := l.executionKey(record.IdempotencyKey)
	reclaimed := false

	data, err := json.Marshal(record)
	if err != nil {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, err)
	}

	err = l.client.Watch(ctx, func(tx *redis.Tx) error {
		existing, err := l.load(ctx, tx, record.IdempotencyKey)
		if err != nil {
			return err
		}

		if existing.Status != models.ExecutionRunning || existing.Attempt != prevAttempt {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, l.ttl)

			return l.index(ctx, pipe, record)
		})
		if err != nil {
			return err
		}

		reclaimed = true

		return nil
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}

	if err != nil {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, err)
	}

	return reclaimed, nil
}

func (l *Ledger) Get(ctx context.Context, key string) (*models.ExecutionRecord, error) {
	record, err := l.load(ctx, l.client, key)
	if err != nil {
		return nil, persistence.NewExecutionError("Get", key, err)
	}

	return record, nil
}

// Put overwrites the record and refreshes the workflow index in one pipeline.
func (l *Ledger) Put(ctx context.Context, record *models.ExecutionRecord) error {
	if record.IdempotencyKey == "" {
		return persistence.NewExecutionError("Put", "", persistence.ErrInvalidExecution)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, err)
	}

	pipe := l.client.TxPipeline()
	pipe.Set(ctx, l.executionKey(record.IdempotencyKey), data, l.ttl)

	if err := l.index(ctx, pipe, record); err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, err)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, fmt.Errorf("redis pipeline failed: %w", err))
	}

	return nil
}

// ListByWorkflow reads the index newest first and skips keys that expired.
func (l *Ledger) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	keys, err := l.client.ZRevRange(ctx, l.workflowIndexKey(workflowID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}

	records := make([]*models.ExecutionRecord, 0, len(keys))
	if len(keys) == 0 {
		return records, nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = l.executionKey(key)
	}

	values, err := l.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}

		var record models.ExecutionRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}

		records = append(records, &record)
	}

	return records, nil
}

func (l *Ledger) HealthCheck(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}

func (l *Ledger) Close(_ context.Context) error {
	return l.client.Close()
}

func (l *Ledger) load(ctx context.Context, c getter, key string) (*models.ExecutionRecord, error) {
	data, err := c.Get(ctx, l.executionKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.ErrExecutionNotFound
		}

		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var record models.ExecutionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}

	return &record, nil
}

func (l *Ledger) index(ctx context.Context, c zadder, record *models.ExecutionRecord) error {
	err := c.ZAdd(ctx, l.workflowIndexKey(record.WorkflowID), redis.Z{
		Score:  float64(record.StartedAt.UnixNano()),
		Member: record.IdempotencyKey,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}

	return nil
}
