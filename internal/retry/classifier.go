package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

// Outcome is the classifier verdict for a failed attempt.
type Outcome int

const (
	Permanent Outcome = iota
	Transient
)

func (o Outcome) String() string {
	if o == Transient {
		return "transient"
	}
	return "permanent"
}

// ChecksumPolicy decides what an integrity mismatch leads to.
type ChecksumPolicy string

const (
	ChecksumFail       ChecksumPolicy = "fail"
	ChecksumRedownload ChecksumPolicy = "redownload"
)

// Config tunes retry behaviour.
type Config struct {
	MaxRetries     int            `validate:"min=0,max=100"`
	BaseDelay      time.Duration  `validate:"min=0"`
	MaxDelay       time.Duration  `validate:"gtefield=BaseDelay"`
	JitterFraction float64        `validate:"min=0,max=1"`
	ChecksumPolicy ChecksumPolicy `validate:"oneof=fail redownload"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		JitterFraction: 0.25,
		ChecksumPolicy: ChecksumFail,
	}
}

// Decision is the result of classifying one failure.
type Decision struct {
	Outcome Outcome
	Delay   time.Duration
	Reason  string
}

// Classifier maps transfer failures to retry decisions. It is safe for
// concurrent use.
type Classifier struct {
	cfg Config
	// jitter returns a value in [0, n).
	jitter func(n int64) int64
}

func NewClassifier(cfg Config) *Classifier {
	return &Classifier{cfg: cfg, jitter: rand.Int64N}
}

// Classify judges err raised by the attempt numbered attempt (1-based).
// Unknown errors are permanent. The one re-download granted by
// ChecksumRedownload is not charged against MaxRetries.
func (c *Classifier) Classify(err error, attempt int) Decision {
	if err == nil {
		return Decision{Outcome: Permanent, Reason: "no error"}
	}

	transient, hint, reason := c.inspect(err)
	if !transient {
		return Decision{Outcome: Permanent, Reason: reason}
	}
	if attempt > c.cfg.MaxRetries && !c.redownloadDue(err) {
		return Decision{
			Outcome: Permanent,
			Reason:  fmt.Sprintf("retries exhausted after %d attempts: %s", attempt, reason),
		}
	}

	delay := c.backoff(attempt)
	if hint > delay {
		delay = hint
	}
	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	return Decision{Outcome: Transient, Delay: delay, Reason: reason}
}

// backoff returns BaseDelay * 2^(attempt-1) with jitter, clamped to
// [0, MaxDelay].
func (c *Classifier) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(c.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	delay := c.cfg.MaxDelay
	if raw < float64(c.cfg.MaxDelay) {
		delay = time.Duration(raw)
	}

	jitterRange := int64(float64(delay) * c.cfg.JitterFraction)
	if jitterRange > 0 {
		delay += time.Duration(c.jitter(2*jitterRange) - jitterRange)
	}

	if delay > c.cfg.MaxDelay {
		delay = c.cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// redownloadDue reports whether err is an integrity mismatch that still has
// its single re-download left.
func (c *Classifier) redownloadDue(err error) bool {
	var integrityErr *errpkg.IntegrityError
	return errors.As(err, &integrityErr) &&
		c.cfg.ChecksumPolicy == ChecksumRedownload &&
		!integrityErr.Redownloaded
}

// inspect reports whether err is transient, any server-supplied delay hint,
// and a short reason.
func (c *Classifier) inspect(err error) (bool, time.Duration, string) {
	var integrityErr *errpkg.IntegrityError
	if errors.As(err, &integrityErr) {
		if c.redownloadDue(err) {
			return true, 0, "integrity mismatch, re-downloading"
		}
		return false, 0, "integrity mismatch"
	}

	var invariant *errpkg.InvariantViolation
	if errors.As(err, &invariant) {
		return false, 0, "invariant violation"
	}

	var transferErr *errpkg.TransferError
	if errors.As(err, &transferErr) {
		switch transferErr.Kind {
		case errpkg.KindTransient:
			return true, 0, transferErr.Op
		case errpkg.KindPermanent:
			return false, 0, transferErr.Op
		}
	}

	var statusErr *errpkg.StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return false, 0, "cancelled"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return true, 0, "timeout"
	case errors.Is(err, io.ErrUnexpectedEOF):
		return true, 0, "stream ended early"
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true, 0, "connection error"
	case errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.ENOSPC),
		errors.Is(err, syscall.EDQUOT),
		errors.Is(err, syscall.EROFS):
		return false, 0, "local filesystem error"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return false, 0, "host not found"
		}
		return true, 0, "dns error"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true, 0, "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true, 0, "network error"
	}

	return false, 0, "unclassified error"
}

func classifyStatus(e *errpkg.StatusError) (bool, time.Duration, string) {
	reason := fmt.Sprintf("http %d", e.Code)
	switch {
	case e.Code == http.StatusRequestTimeout,
		e.Code == http.StatusTooEarly,
		e.Code == http.StatusTooManyRequests,
		e.Code >= 500 && e.Code <= 599:
		return true, e.RetryAfter, reason
	default:
		return false, 0, reason
	}
}
