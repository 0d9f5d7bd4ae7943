package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher enqueues a unit of work. It is the only thing callers that
// trigger background work depend on.
type Dispatcher interface {
	Enqueue(ctx context.Context, name string, payload Payload) error
}

// RunRecorder receives one call per finished task. observability.Metrics
// satisfies it.
type RunRecorder interface {
	TaskRun(task, result string)
}

type nopRecorder struct{}

func (nopRecorder) TaskRun(string, string) {}

// LocalDispatcher runs tasks in-process on goroutines, retrying failures.
type LocalDispatcher struct {
	Registry    *Registry
	Logger      *zap.Logger
	Recorder    RunRecorder
	MaxAttempts int
	Backoff     time.Duration
	// Sync runs each task inline inside Enqueue; used by the CLI and tests.
	Sync bool

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewLocalDispatcher creates a dispatcher running at most workers tasks at once.
func NewLocalDispatcher(registry *Registry, logger *zap.Logger, workers int) *LocalDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	return &LocalDispatcher{
		Registry:    registry,
		Logger:      logger,
		Recorder:    nopRecorder{},
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		sem:         make(chan struct{}, workers),
	}
}

// Enqueue validates the task name and starts it. Unknown names fail
// immediately instead of being dropped by a worker.
func (d *LocalDispatcher) Enqueue(ctx context.Context, name string, payload Payload) error {
	h, ok := d.Registry.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if d.Sync {
		return d.execute(ctx, name, h, payload)
	}

	// Detached from the caller: a finished HTTP request or scheduler tick
	// must neither drop nor cancel work already accepted, even while it is
	// still waiting for a worker.
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sem <- struct{}{}
		defer func() { <-d.sem }()
		_ = d.execute(ctx, name, h, payload)
	}()
	return nil
}

// Wait blocks until every enqueued task has finished.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

func (d *LocalDispatcher) execute(ctx context.Context, name string, h Handler, payload Payload) error {
	attempts := d.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	recorder := d.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = h(ctx, payload)
		if err == nil {
			recorder.TaskRun(name, "ok")
			return nil
		}
		if errors.Is(err, ErrBadPayload) || ctx.Err() != nil {
			break
		}
		d.Logger.Warn("task attempt failed",
			zap.String("task", name),
			zap.Int("attempt", attempt),
			zap.Any("payload", map[string]string(payload)),
			zap.Error(err),
		)
		if attempt < attempts && d.Backoff > 0 {
			select {
			case <-time.After(d.Backoff * time.Duration(attempt)):
			case <-ctx.Done():
			}
		}
	}
	recorder.TaskRun(name, "error")
	d.Logger.Error("task failed",
		zap.String("task", name),
		zap.Any("payload", map[string]string(payload)),
		zap.Error(err),
	)
	return err
}

var _ Dispatcher = (*LocalDispatcher)(nil)
