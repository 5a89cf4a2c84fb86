// Package worker runs fire-and-forget tasks off the request path. Callers submit and move on;
// the pool owns task timeouts, panic recovery and failure logging.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Nephrolytics-ai/smart-librarian/pkg/logging"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/metrics"
	"github.com/Nephrolytics-ai/smart-librarian/pkg/utils"
)

// Task is one unit of background work. The context it receives is detached from the submitting
// request and bounded by the pool's task timeout.
type Task func(ctx context.Context) error

// ErrQueueFull is reported (and logged) when Submit cannot enqueue without blocking.
var ErrQueueFull = errors.New("worker queue is full")

// ErrPoolStopped is returned by Submit once Serve has drained the queue and returned.
var ErrPoolStopped = errors.New("worker pool is stopped")

type Config struct {
	Name        string
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
}

type job struct {
	id   string
	task Task
	ctx  context.Context
}

type Pool struct {
	name    string
	workers int
	timeout time.Duration
	queue   chan job
	pending sync.WaitGroup

	// mu orders Submit against the final drain: once stopped is set nothing else is enqueued.
	mu      sync.RWMutex
	stopped bool
}

func NewPool(cfg Config) *Pool {
	if cfg.Name == "" {
		cfg.Name = "background"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 2 * time.Minute
	}

	return &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		timeout: cfg.TaskTimeout,
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Submit enqueues task under id without waiting for it. The submitting context only contributes
// its values (request id for logs); its cancellation does not reach the task.
func (p *Pool) Submit(ctx context.Context, id string, task Task) error {
	if task == nil {
		return utils.WrapIfNotNil(errors.New("task is required"), id)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		metrics.WorkerTasksTotal.WithLabelValues(p.name, "rejected").Inc()
		logging.NewLogger(ctx).Warnf("task_rejected pool=%s id=%s reason=stopped", p.name, id)
		return utils.WrapIfNotNil(ErrPoolStopped, id)
	}

	p.pending.Add(1)
	select {
	case p.queue <- job{id: id, task: task, ctx: context.WithoutCancel(ctx)}:
		metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))
		logging.NewLogger(ctx).Debugf("task_submitted pool=%s id=%s", p.name, id)
		return nil
	default:
		p.pending.Done()
		metrics.WorkerTasksTotal.WithLabelValues(p.name, "rejected").Inc()
		logging.NewLogger(ctx).Warnf("task_rejected pool=%s id=%s reason=queue_full", p.name, id)
		return utils.WrapIfNotNil(ErrQueueFull, id)
	}
}

// Serve runs the workers until ctx is cancelled, then finishes every task already queued.
// It implements suture.Service.
func (p *Pool) Serve(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = false
	p.mu.Unlock()
	logging.NewLogger(ctx).Infof("worker_pool_started pool=%s workers=%d", p.name, p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.queue:
					p.run(j)
				}
			}
		}()
	}
	wg.Wait()

	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	drained := 0
	for {
		select {
		case j := <-p.queue:
			p.run(j)
			drained++
		default:
			logging.NewLogger(ctx).Infof("worker_pool_stopped pool=%s drained=%d", p.name, drained)
			return ctx.Err()
		}
	}
}

// Wait blocks until every submitted task has finished.
func (p *Pool) Wait() {
	p.pending.Wait()
}

func (p *Pool) String() string {
	return "worker-pool-" + p.name
}

func (p *Pool) run(j job) {
	defer p.pending.Done()
	metrics.WorkerQueueDepth.WithLabelValues(p.name).Set(float64(len(p.queue)))

	ctx, cancel := context.WithTimeout(j.ctx, p.timeout)
	defer cancel()
	log := logging.NewLogger(ctx)

	start := time.Now()
	err := p.invoke(ctx, j, log)
	if err != nil {
		metrics.WorkerTasksTotal.WithLabelValues(p.name, "failed").Inc()
		log.Errorf("task_failed pool=%s id=%s elapsed=%s err=%v", p.name, j.id, time.Since(start), err)
		return
	}
	metrics.WorkerTasksTotal.WithLabelValues(p.name, "succeeded").Inc()
	log.Debugf("task_done pool=%s id=%s elapsed=%s", p.name, j.id, time.Since(start))
}

func (p *Pool) invoke(ctx context.Context, j job, log logging.Logger) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			utils.LogStack("task "+j.id, recovered, log)
			err = fmt.Errorf("task panicked: %v", recovered)
		}
	}()
	return j.task(ctx)
}
