package workers

import (
	"context"
	"sync"
	"time"

	"tournament-engine/metrics"

	"github.com/rotisserie/eris"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrQueueFull is reported for tasks dropped because the pool is saturated or stopped.
var ErrQueueFull = eris.New("best-effort queue full")

// Task is one detached unit of best-effort work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// FailureHook receives every task that failed or was dropped.
type FailureHook func(task Task, err error)

// Pool runs best-effort tasks on a fixed set of workers. Submit never blocks
// and task failures are logged and reported, never retried.
type Pool struct {
	workers     int
	taskTimeout time.Duration
	queue       chan Task
	metrics     *metrics.Collection
	onFailure   FailureHook

	mu      sync.Mutex
	closed  bool
	group   *errgroup.Group
	cancel  context.CancelFunc
	started bool
}

type PoolConfig struct {
	Workers     int
	QueueSize   int
	TaskTimeout time.Duration
	Metrics     *metrics.Collection
	OnFailure   FailureHook
}

func NewPool(cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	return &Pool{
		workers:     cfg.Workers,
		taskTimeout: cfg.TaskTimeout,
		queue:       make(chan Task, cfg.QueueSize),
		metrics:     cfg.Metrics,
		onFailure:   cfg.OnFailure,
	}
}

// Start launches the workers. They exit when Stop drains the queue.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	p.group = g
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for task := range p.queue {
				p.run(ctx, task)
			}
			return nil
		})
	}
	logrus.WithFields(logrus.Fields{
		"workers":    p.workers,
		"queue_size": cap(p.queue),
	}).Info("best-effort pool started")
}

func (p *Pool) run(ctx context.Context, task Task) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.taskTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = eris.Errorf("task panicked: %v", r)
			}
		}()
		return task.Run(taskCtx)
	}()
	if err != nil {
		p.fail(task, err)
	}
}

func (p *Pool) fail(task Task, err error) {
	logrus.WithError(err).WithField("task", task.Name).Warn("best-effort task failed")
	p.metrics.BestEffortFailure(task.Name)
	if p.onFailure != nil {
		p.onFailure(task, err)
	}
}

// Submit enqueues a task without blocking. It returns false when the task was dropped.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		select {
		case p.queue <- task:
			p.mu.Unlock()
			return true
		default:
		}
	}
	p.mu.Unlock()

	p.fail(task, eris.Wrapf(ErrQueueFull, "task %s dropped", task.Name))
	return false
}

// Pending is the number of queued tasks not yet picked up.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Stop closes the queue and waits for queued tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		for task := range p.queue {
			p.fail(task, eris.Wrapf(ErrQueueFull, "task %s dropped on shutdown", task.Name))
		}
		return
	}
	_ = p.group.Wait()
	p.cancel()
	logrus.Info("best-effort pool stopped")
}
