// Package worker provides a generic worker pool that pulls entity
// messages off a queue and runs them through a processor.Handler.
// This package offers concurrent job processing with configurable
// worker counts per queue and cross-worker locking so two workers
// sharing a queue never act on the same entity at once.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/entityflow/entitycore/config"
	"github.com/entityflow/entitycore/processor"
	"github.com/entityflow/entitycore/queue/redis"
)

// Dequeuer defines the subset of queue operations a worker needs to
// pull and acknowledge jobs. redis.Queue implements this.
type Dequeuer interface {
	Dequeue(queueName string, timeout time.Duration) (*redis.Job, error)
	Enqueue(job redis.Job) error
	MarkProcessing(jobID string, deadline time.Time) error
	CompleteJob(jobID string) error
	FailJob(job redis.Job, requeue bool) error
}

// Locker is the subset of repository.CacheRepository a worker needs to
// make sure only one instance acts on a given entity at a time when
// several workers share a queue.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Pool manages a pool of workers that pull messages from queues and
// run them through a processor.Handler.
type Pool struct {
	workers []*Worker
}

// Worker processes jobs from a single named queue.
type Worker struct {
	id        int
	queueName string
	queue     Dequeuer
	locker    Locker
	handler   *processor.Handler
	runtime   config.ProcessorRuntimeConfig
	stopChan  chan struct{}
}

// Config configures the worker pool: how many workers to run per
// named queue.
type Config struct {
	Queues map[string]int // queue name -> worker count
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Queues: map[string]int{
			"entity.processing": 4,
		},
	}
}

// NewPool creates a new worker pool. handler runs every dequeued
// message; locker, if non-nil, is used to serialize processing of a
// given entity across workers.
func NewPool(q Dequeuer, locker Locker, handler *processor.Handler, runtime config.ProcessorRuntimeConfig, cfg Config) *Pool {
	pool := &Pool{workers: make([]*Worker, 0)}

	for queueName, workerCount := range cfg.Queues {
		for i := 0; i < workerCount; i++ {
			pool.workers = append(pool.workers, &Worker{
				id:        i,
				queueName: queueName,
				queue:     q,
				locker:    locker,
				handler:   handler,
				runtime:   runtime,
				stopChan:  make(chan struct{}),
			})
		}
	}

	return pool
}

// Start starts all workers in the pool.
func (p *Pool) Start() {
	log.Printf("starting worker pool with %d workers", len(p.workers))
	for _, w := range p.workers {
		go w.Start()
		log.Printf("started worker %d for queue %q", w.id, w.queueName)
	}
}

// Stop signals all workers to stop after their current job.
func (p *Pool) Stop() {
	log.Println("stopping worker pool")
	for _, w := range p.workers {
		close(w.stopChan)
	}
}

// Start runs the worker's processing loop until stopChan is closed.
func (w *Worker) Start() {
	log.Printf("worker %d (%s queue) started", w.id, w.queueName)

	for {
		select {
		case <-w.stopChan:
			log.Printf("worker %d (%s queue) stopped", w.id, w.queueName)
			return
		default:
			if err := w.processNext(); err != nil {
				log.Printf("worker %d (%s queue) error: %v", w.id, w.queueName, err)
				time.Sleep(1 * time.Second)
			}
		}
	}
}

// processNext dequeues and processes the next job, if any.
func (w *Worker) processNext() error {
	job, err := w.queue.Dequeue(w.queueName, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to dequeue: %w", err)
	}
	if job == nil {
		return nil
	}

	entityID := job.Message.EntityReference.ExternalID
	lockKey := "worker:" + job.Message.EntityReference.TenantID + ":" + entityID

	if w.locker != nil && entityID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, lockErr := w.locker.AcquireLock(ctx, lockKey, w.runtime.LockTTL)
		cancel()
		if lockErr != nil {
			return fmt.Errorf("failed to acquire entity lock: %w", lockErr)
		}
		if !ok {
			// Another worker already owns this entity; re-enqueue and
			// try a different job next time around.
			return w.queue.Enqueue(*job)
		}
		defer func() {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer releaseCancel()
			w.locker.ReleaseLock(releaseCtx, lockKey)
		}()
	}

	jobID := job.JobID()
	deadline := time.Now().Add(w.runtime.RetryBackoff*time.Duration(w.runtime.MaxRetries) + 30*time.Second)
	if err := w.queue.MarkProcessing(jobID, deadline); err != nil {
		log.Printf("worker %d failed to mark job %s as processing: %v", w.id, jobID, err)
		w.queue.Enqueue(*job)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result := w.handler.Execute(ctx, job.Message)

	if !result.Success {
		log.Printf("worker %d job %s failed: %s", w.id, jobID, result.ErrorMessage)

		requeue := result.CanRetry && job.RetryCount < w.runtime.MaxRetries
		if err := w.queue.FailJob(*job, requeue); err != nil {
			log.Printf("worker %d failed to mark job %s as failed: %v", w.id, jobID, err)
		}
		return nil
	}

	log.Printf("worker %d completed job %s", w.id, jobID)
	if err := w.queue.CompleteJob(jobID); err != nil {
		log.Printf("worker %d failed to mark job %s as completed: %v", w.id, jobID, err)
	}

	return nil
}
