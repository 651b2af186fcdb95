// Package redis provides a Redis-based job queue for entity processing
// messages. It offers distributed queue operations with blocking
// dequeue and in-flight tracking, used by the worker pool in package
// worker as an alternative transport to the RabbitMQ queue in package
// queue when a lighter-weight broker is preferred.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/entityflow/entitycore/message"
)

// Queue handles job queue operations using Redis.
type Queue struct {
	client *redis.Client
	ctx    context.Context
	prefix string // Key prefix for queue keys (e.g. "entitycore:")
}

// Job wraps a message.Message with the bookkeeping fields the worker
// pool needs: which queue it came from, when it was enqueued, and how
// many times it has already been retried.
type Job struct {
	QueueName  string          `json:"queueName"`
	Message    message.Message `json:"message"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// JobID identifies the job for MarkProcessing/CompleteJob/FailJob —
// the message id, since that's unique per Job.
func (j Job) JobID() string { return j.Message.MessageID }

// Config configures the Redis queue.
type Config struct {
	RedisURL  string // Redis connection URL
	KeyPrefix string // Key prefix for queue keys (defaults to "entitycore:queue:")
}

// NewQueue creates a new Redis queue client.
func NewQueue(ctx context.Context, config Config) (*Queue, error) {
	redisURL := config.RedisURL
	if redisURL == "" {
		redisURL = "redis://localhost:6379/0"
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = "entitycore:queue:"
	}

	return &Queue{
		client: client,
		ctx:    ctx,
		prefix: prefix,
	}, nil
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue adds a job to a queue.
func (q *Queue) Enqueue(job Job) error {
	jobJSON, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	queueKey := fmt.Sprintf("%s%s", q.prefix, job.QueueName)
	return q.client.RPush(q.ctx, queueKey, string(jobJSON)).Err()
}

// Dequeue removes and returns the next job from a queue (blocking).
func (q *Queue) Dequeue(queueName string, timeout time.Duration) (*Job, error) {
	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)

	// Fresh context with timeout per dequeue call so a long-lived
	// worker doesn't inherit a stale deadline from setup.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	result, err := q.client.BLPop(ctx, timeout, queueKey).Result()
	if err == redis.Nil {
		return nil, nil // Timeout, no job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// MarkProcessing adds a job to the in-flight set with a deadline.
func (q *Queue) MarkProcessing(jobID string, deadline time.Time) error {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	return q.client.ZAdd(q.ctx, processingKey, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID,
	}).Err()
}

// CompleteJob removes a job from the in-flight set.
func (q *Queue) CompleteJob(jobID string) error {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	return q.client.ZRem(q.ctx, processingKey, jobID).Err()
}

// FailJob marks a job as failed and optionally re-enqueues it with an
// incremented retry count.
func (q *Queue) FailJob(job Job, requeue bool) error {
	if err := q.CompleteJob(job.JobID()); err != nil {
		return err
	}

	if requeue {
		job.RetryCount++
		job.EnqueuedAt = time.Now()
		return q.Enqueue(job)
	}

	return nil
}

// GetQueueDepth returns the number of jobs waiting in a queue.
func (q *Queue) GetQueueDepth(queueName string) (int, error) {
	queueKey := fmt.Sprintf("%s%s", q.prefix, queueName)
	depth, err := q.client.LLen(q.ctx, queueKey).Result()
	if err != nil {
		return 0, err
	}
	return int(depth), nil
}

// IsProcessing checks whether a job is currently in flight.
func (q *Queue) IsProcessing(jobID string) (bool, error) {
	processingKey := fmt.Sprintf("%sprocessing", q.prefix)
	score, err := q.client.ZScore(q.ctx, processingKey, jobID).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return score > 0, nil
}
