package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/limiter"
	"github.com/veranemoloko/download-orchestrator/internal/metrics"
	"github.com/veranemoloko/download-orchestrator/internal/progress"
	"github.com/veranemoloko/download-orchestrator/internal/queue"
	"github.com/veranemoloko/download-orchestrator/internal/repository"
	"github.com/veranemoloko/download-orchestrator/internal/retry"
	"github.com/veranemoloko/download-orchestrator/internal/storage"
	"github.com/veranemoloko/download-orchestrator/internal/transport"
	"github.com/veranemoloko/download-orchestrator/internal/validation"
)

const defaultChunkSize = 32 * 1024

// Transport opens a byte stream for a locator starting at offset.
type Transport interface {
	OpenStream(ctx context.Context, locator string, offset int64) (*transport.Stream, error)
}

// Filesystem owns partial and committed artifacts.
type Filesystem interface {
	Resolve(dest string) (string, error)
	PartPath(dest string) string
	CorruptPath(dest string) string
	PartSize(dest string) (int64, error)
	OpenPart(dest string, offset int64) (storage.PartFile, error)
	Commit(dest string) error
	Discard(dest string) error
	Quarantine(dest string) (string, error)
}

// Verifier checks a finished artifact.
type Verifier interface {
	Verify(ctx context.Context, path string, expectedSize int64, expectedDigest string) error
}

// SpecValidator rejects malformed task specs.
type SpecValidator interface {
	TaskSpec(spec domain.TaskSpec) error
}

// Options configures an Orchestrator. Zero values fall back to defaults.
type Options struct {
	MaxConcurrency    int
	PollInterval      time.Duration
	Retry             retry.Config
	QuarantineCorrupt bool
	ChunkSize         int
	EventBuffer       int

	Repo      repository.TaskRepo
	Validator SpecValidator
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator schedules transfers under a concurrency limit. A single loop
// goroutine (Run) admits tasks, applies control requests and handles attempt
// results; each admitted task runs on its own worker goroutine.
type Orchestrator struct {
	transport  Transport
	fs         Filesystem
	verifier   Verifier
	repo       repository.TaskRepo
	store      *persister
	validator  SpecValidator
	classifier *retry.Classifier
	queue      *queue.Queue
	limiter    *limiter.Limiter
	progress   *progress.Aggregator
	opts       Options
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.RWMutex
	tasks  map[string]*domain.Task
	order  []string
	dests  map[string]string // artifact path -> owning task id
	active map[string]*attempt

	ctrlMu  sync.Mutex
	pending []controlRequest

	subMu   sync.Mutex
	subs    map[int]chan domain.Event
	nextSub int

	results chan attemptResult
	wake    chan struct{}
	bufPool sync.Pool
	running atomic.Bool
	busy    bool
	wg      sync.WaitGroup
}

// New creates an Orchestrator. It does nothing until Run is called.
func New(tr Transport, fs Filesystem, verifier Verifier, opts Options) *Orchestrator {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Validator == nil {
		opts.Validator = validation.New(false)
	}

	o := &Orchestrator{
		transport:  tr,
		fs:         fs,
		verifier:   verifier,
		repo:       opts.Repo,
		store:      newPersister(opts.Repo, opts.Logger),
		validator:  opts.Validator,
		classifier: retry.NewClassifier(opts.Retry),
		queue:      queue.New(),
		limiter:    limiter.New(opts.MaxConcurrency),
		progress:   progress.NewAggregator(progress.DefaultWindow, opts.Now),
		opts:       opts,
		logger:     opts.Logger,
		now:        opts.Now,
		tasks:      make(map[string]*domain.Task),
		dests:      make(map[string]string),
		active:     make(map[string]*attempt),
		subs:       make(map[int]chan domain.Event),
		results:    make(chan attemptResult, opts.MaxConcurrency),
		wake:       make(chan struct{}, 1),
	}
	chunk := opts.ChunkSize
	o.bufPool.New = func() any {
		buf := make([]byte, chunk)
		return &buf
	}
	return o
}

// Run drives the orchestrator until ctx is done or an invariant violation is
// detected. On return every in-flight task has been stopped and requeued,
// and the final task states have been written to the repository.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator is already running")
	}
	defer o.running.Store(false)

	persistCtx, stopPersist := context.WithCancel(context.Background())
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		o.store.run(persistCtx)
	}()
	defer func() {
		stopPersist()
		<-persistDone
		o.store.flushAndLog(context.Background())
	}()

	o.logger.Info("Orchestrator started",
		"max_concurrency", o.limiter.Capacity(),
		"poll_interval", o.opts.PollInterval,
	)

	ticker := time.NewTicker(o.opts.PollInterval)
	defer ticker.Stop()
	retryTimer := time.NewTimer(time.Hour)
	retryTimer.Stop()
	defer retryTimer.Stop()

	for {
		if err := o.step(ctx); err != nil {
			o.stopAll()
			return err
		}
		o.armRetry(retryTimer)

		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator stopping", "in_flight", o.limiter.Occupied())
			return o.stopAll()
		case res := <-o.results:
			if err := o.handleResult(res); err != nil {
				o.stopAll()
				return err
			}
		case <-o.wake:
		case <-ticker.C:
		case <-retryTimer.C:
		}
	}
}

// step runs one loop iteration: controls, then admissions, then idle
// detection.
func (o *Orchestrator) step(ctx context.Context) error {
	if err := o.applyControls(); err != nil {
		return err
	}
	if ctx.Err() == nil {
		if err := o.dispatch(ctx); err != nil {
			return err
		}
	}
	if err := o.checkInvariants(); err != nil {
		return err
	}

	metrics.SlotsOccupied.Set(float64(o.limiter.Occupied()))
	metrics.QueueLength.Set(float64(o.queue.Len()))

	if o.busy && o.limiter.Occupied() == 0 && o.queue.Pending() == 0 {
		o.busy = false
		o.publishBatchComplete()
	}
	return nil
}

// dispatch admits queued tasks while slots are free.
func (o *Orchestrator) dispatch(ctx context.Context) error {
	for {
		now := o.now()
		if !o.queue.Dispatchable(now) {
			return nil
		}
		slot, ok, err := o.limiter.TryAcquire()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		id, ok := o.queue.DequeueNext(now)
		if !ok {
			return o.limiter.Release(slot)
		}
		if err := o.admit(ctx, id, slot); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) admit(ctx context.Context, id string, slot limiter.Slot) error {
	o.mu.Lock()
	task, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		_ = o.limiter.Release(slot)
		return &errpkg.InvariantViolation{Op: "admit", Detail: fmt.Sprintf("queued task %s is unknown", id)}
	}
	if err := task.Transition(domain.TaskStatusAdmitted, o.now()); err != nil {
		o.mu.Unlock()
		_ = o.limiter.Release(slot)
		return err
	}
	task.AttemptCount++

	attemptCtx, cancel := context.WithCancel(ctx)
	a := &attempt{
		id:      id,
		slot:    slot,
		cancel:  cancel,
		started: o.now(),
		spec: attemptSpec{
			locator:     task.Locator,
			dest:        task.Destination,
			offset:      task.Offset,
			size:        task.ExpectedSize,
			digest:      task.ExpectedDigest,
			redownloads: task.Redownloads,
		},
	}
	o.active[id] = a
	snapshot := *task
	o.mu.Unlock()

	o.busy = true
	metrics.AttemptsTotal.Inc()
	o.logger.Info("Task admitted",
		"task_id", id,
		"attempt", snapshot.AttemptCount,
		"offset", snapshot.Offset,
	)
	o.afterChange(snapshot)

	o.wg.Add(1)
	go o.runAttempt(attemptCtx, a)
	return nil
}

func (o *Orchestrator) checkInvariants() error {
	o.mu.RLock()
	active := len(o.active)
	o.mu.RUnlock()

	occupied := o.limiter.Occupied()
	if occupied > o.limiter.Capacity() || occupied != active {
		return &errpkg.InvariantViolation{
			Op:     "loop",
			Detail: fmt.Sprintf("%d slots occupied, %d attempts active, capacity %d", occupied, active, o.limiter.Capacity()),
		}
	}
	return nil
}

// stopAll stops every in-flight attempt and requeues its task. It returns
// the first invariant violation met while doing so.
func (o *Orchestrator) stopAll() error {
	o.mu.RLock()
	for _, a := range o.active {
		a.requestStop(stopShutdown)
	}
	remaining := len(o.active)
	o.mu.RUnlock()

	var firstErr error
	for ; remaining > 0; remaining-- {
		res := <-o.results
		if err := o.handleResult(res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.wg.Wait()
	return firstErr
}

// armRetry sets t to fire when the earliest pending backoff ends. Backoffs
// that already ended are picked up by dispatch as soon as a slot frees.
func (o *Orchestrator) armRetry(t *time.Timer) {
	t.Stop()
	at, ok := o.queue.NextReadyAt()
	if !ok {
		return
	}
	if d := at.Sub(o.now()); d > 0 {
		t.Reset(d)
	}
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// afterChange persists a task copy and notifies subscribers of its status.
func (o *Orchestrator) afterChange(task domain.Task) {
	o.persist(task)
	o.publish(statusEvent(task))
}

func (o *Orchestrator) persist(task domain.Task) {
	o.store.save(task)
}
