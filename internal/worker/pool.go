package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	QueueSync  = "jobs:sync"
	QueueEmail = "jobs:email"

	JobTypeSync  = "sync"
	JobTypeEmail = "email"
)

// ErrQueueUnavailable is returned by enqueue when no Redis client is configured.
var ErrQueueUnavailable = errors.New("worker: job queue unavailable")

// Job is the generic envelope for all async tasks.
type Job struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SyncJobPayload is the body of a sync job.
type SyncJobPayload struct {
	Source  string `json:"source"`
	Trigger string `json:"trigger"`
}

// JobHandler processes one job payload. A returned error moves the job to the DLQ.
type JobHandler func(ctx context.Context, payload json.RawMessage) error

// Dispatcher enqueues async jobs into Redis lists and dispatches dequeued
// jobs to registered handlers. The worker pool dequeues them via BRPOP.
type Dispatcher struct {
	rdb redis.UniversalClient

	mu       sync.RWMutex
	handlers map[string]JobHandler
	queues   map[string]string // job type → queue

	// detached is the lifetime of RunDetached jobs.
	detached context.Context
}

// NewDispatcher creates a dispatcher; rdb may be nil, in which case every
// enqueue fails with ErrQueueUnavailable.
func NewDispatcher(rdb redis.UniversalClient) *Dispatcher {
	return &Dispatcher{
		rdb:      rdb,
		handlers: make(map[string]JobHandler),
		queues:   map[string]string{JobTypeSync: QueueSync, JobTypeEmail: QueueEmail},
		detached: context.Background(),
	}
}

// Register binds a handler to a job type.
func (d *Dispatcher) Register(jobType string, h JobHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[jobType] = h
}

// Enqueue pushes a sync job; it satisfies service.SyncTrigger.
func (d *Dispatcher) Enqueue(ctx context.Context, source, trigger string) error {
	return d.enqueue(ctx, JobTypeSync, SyncJobPayload{Source: source, Trigger: trigger})
}

// RunDetached runs a sync job in its own goroutine, bypassing Redis.
func (d *Dispatcher) RunDetached(source, trigger string) {
	raw, err := json.Marshal(SyncJobPayload{Source: source, Trigger: trigger})
	if err != nil {
		return
	}
	go d.processJob(d.detached, QueueSync, Job{Type: JobTypeSync, Payload: raw})
}

// EnqueueEmail pushes an email job to Redis.
func (d *Dispatcher) EnqueueEmail(ctx context.Context, payload interface{}) error {
	return d.enqueue(ctx, JobTypeEmail, payload)
}

func (d *Dispatcher) enqueue(ctx context.Context, jobType string, payload interface{}) error {
	if d.rdb == nil {
		return ErrQueueUnavailable
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	job := Job{Type: jobType, Payload: data}
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return d.rdb.LPush(ctx, d.queues[jobType], encoded).Err()
}

// StartWorkerPool launches numWorkers goroutines consuming both queues.
// Each goroutine blocks on BRPOP, zero CPU when idle. Detached jobs share ctx.
func (d *Dispatcher) StartWorkerPool(ctx context.Context, numWorkers int) {
	d.detached = ctx
	if d.rdb == nil {
		log.Warn().Msg("worker pool disabled: no redis client")
		return
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	for i := 0; i < numWorkers; i++ {
		go d.runWorker(ctx, i)
	}
	log.Info().Msgf("worker pool started with %d workers", numWorkers)
}

func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	queues := []string{QueueSync, QueueEmail}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msgf("worker %d shutting down", id)
			return
		default:
			// Blocking pop: waits up to 5s then loops to check ctx
			result, err := d.rdb.BRPop(ctx, 5*time.Second, queues...).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					log.Warn().Err(err).Int("worker", id).Msg("worker: dequeue failed")
					time.Sleep(time.Second)
				}
				continue
			}
			if len(result) < 2 {
				continue
			}
			var job Job
			if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
				log.Error().Str("queue", result[0]).Err(err).Msg("failed to unmarshal job")
				continue
			}
			d.processJob(ctx, result[0], job)
		}
	}
}

func (d *Dispatcher) processJob(ctx context.Context, queue string, job Job) {
	d.mu.RLock()
	h, ok := d.handlers[job.Type]
	d.mu.RUnlock()
	if !ok {
		log.Error().Str("type", job.Type).Str("queue", queue).Msg("worker: no handler for job type")
		return
	}

	log.Debug().Str("type", job.Type).Str("queue", queue).Msg("processing job")
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return h(ctx, job.Payload)
	}()
	if err != nil && d.rdb != nil {
		SendToDLQ(context.WithoutCancel(ctx), d.rdb, queue, job.Type, job.Payload, err.Error(), 1)
	}
}
