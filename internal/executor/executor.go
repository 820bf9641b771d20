package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	ErrAdmissionTimeout = errors.New("executor: admission timeout")
	ErrRequestTimeout   = errors.New("executor: request deadline exceeded")
	ErrStopped          = errors.New("executor: stopped")
)

type CompletionMode string

const (
	CompletionNotify CompletionMode = "notify"
	CompletionPoll   CompletionMode = "poll"
)

type Config struct {
	Workers           int
	AdmissionCapacity int
	AdmissionTimeout  time.Duration
	CallDeadline      time.Duration
	Completion        CompletionMode
	PollInterval      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:           10,
		AdmissionCapacity: 5,
		AdmissionTimeout:  10 * time.Second,
		CallDeadline:      15 * time.Second,
		Completion:        CompletionPoll,
		PollInterval:      50 * time.Millisecond,
	}
}

type Stats struct {
	Workers           int   `json:"workers"`
	AdmissionCapacity int   `json:"admission_capacity"`
	InFlight          int64 `json:"in_flight"`
	Admitted          int64 `json:"admitted"`
	Completed         int64 `json:"completed"`
	AdmissionTimeouts int64 `json:"admission_timeouts"`
	DeadlineExceeded  int64 `json:"deadline_exceeded"`
}

type job struct {
	ctx   context.Context
	run   func(context.Context) (any, error)
	done  chan struct{}
	value any
	err   error
}

type Executor struct {
	cfg    Config
	gate   *semaphore.Weighted
	jobs   chan *job
	quit   chan struct{}
	logger *slog.Logger
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	inFlight          atomic.Int64
	admitted          atomic.Int64
	completed         atomic.Int64
	admissionTimeouts atomic.Int64
	deadlineExceeded  atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.AdmissionCapacity < 1 {
		cfg.AdmissionCapacity = def.AdmissionCapacity
	}
	if cfg.AdmissionTimeout <= 0 {
		cfg.AdmissionTimeout = def.AdmissionTimeout
	}
	if cfg.CallDeadline <= 0 {
		cfg.CallDeadline = def.CallDeadline
	}
	if cfg.Completion != CompletionNotify && cfg.Completion != CompletionPoll {
		cfg.Completion = def.Completion
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Executor{
		cfg:    cfg,
		gate:   semaphore.NewWeighted(int64(cfg.AdmissionCapacity)),
		jobs:   make(chan *job, cfg.Workers),
		quit:   make(chan struct{}),
		logger: logger,
	}
}

// Start launches the worker pool. It is safe to call more than once.
func (e *Executor) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(e.cfg.Workers)
		for i := 0; i < e.cfg.Workers; i++ {
			go e.worker(i)
		}
		e.logger.Info("Request executor started",
			slog.Int("workers", e.cfg.Workers),
			slog.Int("admission_capacity", e.cfg.AdmissionCapacity),
			slog.String("completion", string(e.cfg.Completion)))
	})
}

// Shutdown stops accepting work and waits for the workers to return or for
// ctx to expire, whichever happens first.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() {
		close(e.quit)
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Request executor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Config() Config {
	return e.cfg
}

func (e *Executor) InFlight() int {
	return int(e.inFlight.Load())
}

func (e *Executor) Stats() Stats {
	return Stats{
		Workers:           e.cfg.Workers,
		AdmissionCapacity: e.cfg.AdmissionCapacity,
		InFlight:          e.inFlight.Load(),
		Admitted:          e.admitted.Load(),
		Completed:         e.completed.Load(),
		AdmissionTimeouts: e.admissionTimeouts.Load(),
		DeadlineExceeded:  e.deadlineExceeded.Load(),
	}
}

// Do runs fn on the worker pool and returns its result. Decoding of the
// upstream response belongs inside fn so only plain values come back.
func Do[T any](ctx context.Context, e *Executor, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	value, err := e.execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}

	result, _ := value.(T)
	return result, nil
}

func (e *Executor) execute(ctx context.Context, run func(context.Context) (any, error)) (any, error) {
	select {
	case <-e.quit:
		return nil, ErrStopped
	default:
	}

	admitCtx, cancelAdmit := context.WithTimeout(ctx, e.cfg.AdmissionTimeout)
	err := e.gate.Acquire(admitCtx, 1)
	cancelAdmit()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.admissionTimeouts.Add(1)
		return nil, ErrAdmissionTimeout
	}
	defer e.gate.Release(1)

	e.admitted.Add(1)
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	j := &job{
		ctx:  jobCtx,
		run:  run,
		done: make(chan struct{}),
	}

	deadline := time.NewTimer(e.cfg.CallDeadline)
	defer deadline.Stop()

	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		e.deadlineExceeded.Add(1)
		return nil, ErrRequestTimeout
	case <-e.quit:
		return nil, ErrStopped
	}

	if e.cfg.Completion == CompletionPoll {
		return e.poll(ctx, j, deadline)
	}
	return e.wait(ctx, j, deadline)
}

func (e *Executor) wait(ctx context.Context, j *job, deadline *time.Timer) (any, error) {
	select {
	case <-j.done:
		e.completed.Add(1)
		return j.value, j.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		e.deadlineExceeded.Add(1)
		e.logger.Warn("Upstream call exceeded hard deadline", slog.Duration("deadline", e.cfg.CallDeadline))
		return nil, ErrRequestTimeout
	}
}

func (e *Executor) poll(ctx context.Context, j *job, deadline *time.Timer) (any, error) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			e.completed.Add(1)
			return j.value, j.err
		default:
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			e.deadlineExceeded.Add(1)
			e.logger.Warn("Upstream call exceeded hard deadline", slog.Duration("deadline", e.cfg.CallDeadline))
			return nil, ErrRequestTimeout
		case <-ticker.C:
		}
	}
}

func (e *Executor) worker(id int) {
	defer e.wg.Done()

	for {
		select {
		case j := <-e.jobs:
			e.runJob(id, j)
		case <-e.quit:
			return
		}
	}
}

func (e *Executor) runJob(id int, j *job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Upstream task panicked", slog.Int("worker", id), slog.Any("panic", r))
			j.err = fmt.Errorf("executor: task panicked: %v", r)
		}
	}()

	// The waiter may already have given up while the job sat in the queue.
	if err := j.ctx.Err(); err != nil {
		j.err = err
		return
	}

	j.value, j.err = j.run(j.ctx)
}
