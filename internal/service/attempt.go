package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/veranemoloko/download-orchestrator/internal/domain"
	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
	"github.com/veranemoloko/download-orchestrator/internal/limiter"
	"github.com/veranemoloko/download-orchestrator/internal/metrics"
)

// errStopped ends an attempt that was asked to stop.
var errStopped = errors.New("attempt stopped")

type stopReason int32

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
	stopShutdown
)

// attemptSpec is the part of a task a worker needs, copied at admission.
type attemptSpec struct {
	locator     string
	dest        string
	offset      int64
	size        int64
	digest      string
	redownloads int
}

// attempt is one in-flight run of a task. stop is written by the loop and
// read by the worker at chunk boundaries.
type attempt struct {
	id      string
	slot    limiter.Slot
	cancel  context.CancelFunc
	started time.Time
	spec    attemptSpec
	stop    atomic.Int32

	// loop-only
	resumeAfterPause bool
}

func (a *attempt) requestStop(r stopReason) {
	a.stop.Store(int32(r))
	a.cancel()
}

func (a *attempt) reason() stopReason {
	return stopReason(a.stop.Load())
}

func (a *attempt) stopped() bool {
	return a.reason() != stopNone
}

type attemptResult struct {
	id  string
	err error
}

// runAttempt streams, verifies and commits one task and reports exactly one
// result to the loop.
func (o *Orchestrator) runAttempt(ctx context.Context, a *attempt) {
	defer o.wg.Done()
	err := o.transfer(ctx, a)
	if err != nil && ctx.Err() != nil {
		err = errStopped
	}
	a.cancel()
	o.results <- attemptResult{id: a.id, err: err}
}

func (o *Orchestrator) transfer(ctx context.Context, a *attempt) error {
	if a.stopped() {
		return errStopped
	}
	if err := o.setStatus(a.id, domain.TaskStatusActive); err != nil {
		return err
	}

	spec := a.spec
	stream, err := o.transport.OpenStream(ctx, spec.locator, spec.offset)
	if err != nil {
		return err
	}
	defer stream.Body.Close()

	size := o.learnStream(a.id, spec, stream.Offset, stream.TotalSize)

	part, err := o.fs.OpenPart(spec.dest, stream.Offset)
	if err != nil {
		return &errpkg.TransferError{Op: "open partial artifact", Locator: spec.locator, Err: err}
	}

	written, err := o.copyChunks(a, part, stream.Body, stream.Offset, size)
	if syncErr := part.Sync(); syncErr != nil && err == nil {
		err = &errpkg.TransferError{Op: "sync partial artifact", Locator: spec.locator, Err: syncErr}
	}
	if closeErr := part.Close(); closeErr != nil && err == nil {
		err = &errpkg.TransferError{Op: "close partial artifact", Locator: spec.locator, Err: closeErr}
	}
	if err != nil {
		return err
	}

	if size >= 0 && written < size {
		return &errpkg.TransferError{
			Op:      "read stream",
			Locator: spec.locator,
			Err:     fmt.Errorf("got %d of %d bytes: %w", written, size, io.ErrUnexpectedEOF),
		}
	}
	if size < 0 {
		size = written
		o.learnSize(a.id, size)
	}
	if a.stopped() {
		return errStopped
	}

	if err := o.setStatus(a.id, domain.TaskStatusVerifying); err != nil {
		return err
	}
	partPath := o.fs.PartPath(spec.dest)
	if err := o.verifier.Verify(ctx, partPath, size, spec.digest); err != nil {
		var integrityErr *errpkg.IntegrityError
		if errors.As(err, &integrityErr) {
			integrityErr.Redownloaded = spec.redownloads > 0
		}
		return err
	}

	if err := o.fs.Commit(spec.dest); err != nil {
		return &errpkg.TransferError{Op: "commit artifact", Locator: spec.locator, Err: err}
	}
	return nil
}

// copyChunks copies body into part one chunk at a time, checking the stop
// flag between chunks. Bytes beyond size are dropped and reported as an
// integrity error.
func (o *Orchestrator) copyChunks(a *attempt, part io.Writer, body io.Reader, start, size int64) (int64, error) {
	bufp := o.bufPool.Get().(*[]byte)
	defer o.bufPool.Put(bufp)
	buf := *bufp

	written := start
	for {
		if a.stopped() {
			return written, errStopped
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			overflow := size >= 0 && written+int64(n) > size
			if overflow {
				chunk = chunk[:size-written]
			}
			if len(chunk) > 0 {
				if _, werr := part.Write(chunk); werr != nil {
					return written, &errpkg.TransferError{Op: "write partial artifact", Locator: a.spec.locator, Err: werr}
				}
				written += int64(len(chunk))
				o.advance(a.id, written)
			}
			if overflow {
				return written, &errpkg.IntegrityError{
					Path:         o.fs.PartPath(a.spec.dest),
					Reason:       fmt.Sprintf("stream exceeds expected size %d", size),
					Redownloaded: a.spec.redownloads > 0,
				}
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			if a.stopped() {
				return written, errStopped
			}
			return written, &errpkg.TransferError{Op: "read stream", Locator: a.spec.locator, Err: rerr}
		}
	}
}

// setStatus moves a task along the state machine from a worker goroutine.
func (o *Orchestrator) setStatus(id string, to domain.TaskStatus) error {
	o.mu.Lock()
	task, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return &errpkg.InvariantViolation{Op: "set status", Detail: fmt.Sprintf("task %s is unknown", id)}
	}
	if err := task.Transition(to, o.now()); err != nil {
		o.mu.Unlock()
		return err
	}
	if to == domain.TaskStatusActive && task.StartedAt.IsZero() {
		task.StartedAt = task.UpdatedAt
	}
	snapshot := *task
	o.mu.Unlock()

	o.publish(statusEvent(snapshot))
	return nil
}

// learnStream records what the transport reported and returns the size the
// copy must stop at.
func (o *Orchestrator) learnStream(id string, spec attemptSpec, actualOffset, total int64) int64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	task := o.tasks[id]
	if actualOffset != spec.offset {
		task.Resumable = false
		o.logger.Warn("Transport restarted stream from zero",
			"task_id", id,
			"requested_offset", spec.offset,
			"actual_offset", actualOffset,
		)
	}
	task.Offset = actualOffset
	if !task.SizeKnown() && total >= 0 {
		task.ExpectedSize = total
		o.progress.SetExpected(id, total)
	}
	return task.ExpectedSize
}

func (o *Orchestrator) learnSize(id string, size int64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if task := o.tasks[id]; !task.SizeKnown() {
		task.ExpectedSize = size
		o.progress.SetExpected(id, size)
	}
}

func (o *Orchestrator) advance(id string, written int64) {
	o.mu.Lock()
	delta := o.tasks[id].Advance(written, o.now())
	o.mu.Unlock()

	if delta > 0 {
		o.progress.Record(id, delta)
		metrics.BytesTransferred.Add(float64(delta))
	}
}
