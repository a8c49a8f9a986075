package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	"github.com/veranemoloko/download-orchestrator/internal/integrity"
	"github.com/veranemoloko/download-orchestrator/internal/retry"
	"github.com/veranemoloko/download-orchestrator/internal/storage"
	"github.com/veranemoloko/download-orchestrator/internal/transport"
)

// fakeSource scripts what one locator serves.
type fakeSource struct {
	content []byte
	// noRange makes the source ignore offsets and always restart at zero.
	noRange bool
	// failures are returned by successive OpenStream calls before any
	// stream is served.
	failures []error
	// cutAfter > 0 resets the connection after that many bytes, for the
	// first cuts streams.
	cutAfter int
	cuts     int
	// gate, when set, must yield a token for every chunk read.
	gate chan struct{}
}

type fakeTransport struct {
	mu       sync.Mutex
	sources  map[string]*fakeSource
	opens    map[string]int
	offsets  map[string][]int64
	served   map[string]int64
	inFlight int
	peak     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sources: make(map[string]*fakeSource),
		opens:   make(map[string]int),
		offsets: make(map[string][]int64),
		served:  make(map[string]int64),
	}
}

func (f *fakeTransport) add(locator string, src *fakeSource) {
	f.mu.Lock()
	f.sources[locator] = src
	f.mu.Unlock()
}

func (f *fakeTransport) OpenStream(ctx context.Context, locator string, offset int64) (*transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.opens[locator]++
	f.offsets[locator] = append(f.offsets[locator], offset)
	src, ok := f.sources[locator]
	if !ok {
		return nil, syscall.ECONNREFUSED
	}
	if len(src.failures) > 0 {
		err := src.failures[0]
		src.failures = src.failures[1:]
		return nil, err
	}

	start := offset
	if src.noRange || start > int64(len(src.content)) {
		start = 0
	}
	cut := -1
	if src.cuts > 0 && src.cutAfter > 0 {
		src.cuts--
		cut = src.cutAfter
	}

	f.inFlight++
	if f.inFlight > f.peak {
		f.peak = f.inFlight
	}
	return &transport.Stream{
		Body: &fakeBody{
			owner:   f,
			locator: locator,
			ctx:     ctx,
			data:    src.content,
			pos:     int(start),
			cut:     cut,
			gate:    src.gate,
		},
		Offset:    start,
		TotalSize: int64(len(src.content)),
	}, nil
}

func (f *fakeTransport) openCount(locator string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[locator]
}

func (f *fakeTransport) servedBytes(locator string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served[locator]
}

func (f *fakeTransport) requestedOffsets(locator string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.offsets[locator]...)
}

func (f *fakeTransport) peakInFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

type fakeBody struct {
	owner   *fakeTransport
	locator string
	ctx     context.Context
	data    []byte
	pos     int
	cut     int
	gate    chan struct{}
	closed  bool
}

func (b *fakeBody) Read(p []byte) (int, error) {
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	} else if err := b.ctx.Err(); err != nil {
		return 0, err
	}

	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	if b.cut >= 0 && b.pos >= b.cut {
		return 0, syscall.ECONNRESET
	}

	end := len(b.data)
	if b.cut >= 0 && b.cut < end {
		end = b.cut
	}
	n := copy(p, b.data[b.pos:end])
	b.pos += n

	b.owner.mu.Lock()
	b.owner.served[b.locator] += int64(n)
	b.owner.mu.Unlock()
	return n, nil
}

func (b *fakeBody) Close() error {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.owner.inFlight--
	}
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting condition")
}

func fastRetry(maxRetries int) retry.Config {
	return retry.Config{
		MaxRetries:     maxRetries,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		JitterFraction: 0,
		ChecksumPolicy: retry.ChecksumFail,
	}
}

type harness struct {
	orch *Orchestrator
	tr   *fakeTransport
	fs   *storage.FileStorage
	dir  string
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, opts, nil)
}

// newHarnessWith lets a test wrap the real verifier.
func newHarnessWith(t *testing.T, opts Options, wrap func(Verifier) Verifier) *harness {
	t.Helper()
	dir := t.TempDir()
	tr := newFakeTransport()
	fs := storage.NewFileStorage(dir)

	if opts.Logger == nil {
		opts.Logger = newTestLogger()
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	if opts.Retry == (retry.Config{}) {
		opts.Retry = fastRetry(3)
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 4
	}

	var verifier Verifier = integrity.NewVerifier(opts.Logger)
	if wrap != nil {
		verifier = wrap(verifier)
	}

	return &harness{
		orch: New(tr, fs, verifier, opts),
		tr:   tr,
		fs:   fs,
		dir:  dir,
	}
}

// start runs the orchestrator until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	})
}

// holdVerifier blocks the first Verify call until hold is closed. With
// watchCtx set the call also returns as soon as its context is done;
// otherwise the context is only checked once hold opens.
type holdVerifier struct {
	inner    Verifier
	hold     chan struct{}
	entered  chan struct{}
	watchCtx bool
	calls    atomic.Int32
}

func newHoldVerifier(inner Verifier, watchCtx bool) *holdVerifier {
	return &holdVerifier{
		inner:    inner,
		hold:     make(chan struct{}),
		entered:  make(chan struct{}),
		watchCtx: watchCtx,
	}
}

func (v *holdVerifier) Verify(ctx context.Context, path string, expectedSize int64, expectedDigest string) error {
	if v.calls.Add(1) == 1 {
		close(v.entered)
		if v.watchCtx {
			select {
			case <-v.hold:
			case <-ctx.Done():
			}
		} else {
			<-v.hold
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return v.inner.Verify(ctx, path, expectedSize, expectedDigest)
}

// recordingRepo keeps every batch it was handed.
type recordingRepo struct {
	mu      sync.Mutex
	saves   [][]domain.Task
	deletes [][]string
	failing int
}

func (r *recordingRepo) SaveTasks(ctx context.Context, tasks ...domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failing > 0 {
		r.failing--
		return errors.New("disk unavailable")
	}
	r.saves = append(r.saves, append([]domain.Task(nil), tasks...))
	return nil
}

func (r *recordingRepo) DeleteTasks(ctx context.Context, ids ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, append([]string(nil), ids...))
	return nil
}

func (r *recordingRepo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return nil, nil
}

// lastSaved returns the most recent copy of id handed to SaveTasks.
func (r *recordingRepo) lastSaved(id string) (domain.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.saves) - 1; i >= 0; i-- {
		for _, task := range r.saves[i] {
			if task.ID == id {
				return task, true
			}
		}
	}
	return domain.Task{}, false
}

// stallingRepo blocks every write until release is closed.
type stallingRepo struct {
	recordingRepo
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

func newStallingRepo() *stallingRepo {
	return &stallingRepo{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (r *stallingRepo) SaveTasks(ctx context.Context, tasks ...domain.Task) error {
	r.enteredOnce.Do(func() { close(r.entered) })
	<-r.release
	return r.recordingRepo.SaveTasks(ctx, tasks...)
}

func (h *harness) status(id string) string {
	task, ok := h.orch.Task(id)
	if !ok {
		return ""
	}
	return string(task.Status)
}
