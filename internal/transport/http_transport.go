package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	errpkg "github.com/veranemoloko/download-orchestrator/internal/errors"
)

const minBurst = 32 * 1024

// Stream is an open transfer. Offset is where the body actually starts,
// which is 0 when the server ignored the requested range.
type Stream struct {
	Body      io.ReadCloser
	Offset    int64
	TotalSize int64 // -1 when unknown
}

// Options configures HTTPTransport.
type Options struct {
	ResponseTimeout time.Duration
	UserAgent       string
	// RejectHTML treats an HTML page served in place of a file as a
	// transient failure.
	RejectHTML bool
	// BandwidthLimit caps the combined read rate of all streams in bytes per
	// second. Zero means unlimited.
	BandwidthLimit int64
	// RequestInterval is the minimum gap between two stream openings.
	RequestInterval time.Duration
}

// HTTPTransport opens ranged HTTP GET streams.
type HTTPTransport struct {
	client    *http.Client
	opts      Options
	pacer     *rate.Limiter
	bandwidth *rate.Limiter
	logger    *slog.Logger
}

// NewHTTPTransport creates a transport. No overall client timeout is set
// since bodies may stream for a long time; ResponseTimeout bounds the wait
// for response headers.
func NewHTTPTransport(opts Options, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = opts.ResponseTimeout

	t := &HTTPTransport{
		client: &http.Client{Transport: base},
		opts:   opts,
		logger: logger,
	}
	if opts.RequestInterval > 0 {
		t.pacer = rate.NewLimiter(rate.Every(opts.RequestInterval), 1)
	}
	if opts.BandwidthLimit > 0 {
		burst := int(opts.BandwidthLimit)
		if burst < minBurst {
			burst = minBurst
		}
		t.bandwidth = rate.NewLimiter(rate.Limit(opts.BandwidthLimit), burst)
	}
	return t
}

// OpenStream requests locator starting at offset.
func (t *HTTPTransport) OpenStream(ctx context.Context, locator string, offset int64) (*Stream, error) {
	stream, err := t.open(ctx, locator, offset)
	var rangeErr *rangeNotSatisfiable
	if errors.As(err, &rangeErr) {
		t.logger.Warn("Partial artifact does not match remote size, restarting",
			"locator", locator,
			"offset", offset,
			"remote_size", rangeErr.total,
		)
		return t.open(ctx, locator, 0)
	}
	return stream, err
}

type rangeNotSatisfiable struct {
	total int64
}

func (e *rangeNotSatisfiable) Error() string {
	return fmt.Sprintf("range not satisfiable, remote size %d", e.total)
}

func (t *HTTPTransport) open(ctx context.Context, locator string, offset int64) (*Stream, error) {
	if t.pacer != nil {
		if err := t.pacer.Wait(ctx); err != nil {
			return nil, &errpkg.TransferError{Op: "pace request", Locator: locator, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
	if err != nil {
		return nil, errpkg.Permanent("create request", err)
	}
	if t.opts.UserAgent != "" {
		req.Header.Set("User-Agent", t.opts.UserAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &errpkg.TransferError{Op: "open stream", Locator: locator, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent && offset > 0:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok || start != offset {
			resp.Body.Close()
			return nil, &errpkg.TransferError{
				Op:      "open stream",
				Locator: locator,
				Kind:    errpkg.KindTransient,
				Err:     fmt.Errorf("unexpected content range %q for offset %d", resp.Header.Get("Content-Range"), offset),
			}
		}
		return t.stream(ctx, resp, offset, total), nil

	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		resp.Body.Close()
		_, total, _ := parseContentRange(resp.Header.Get("Content-Range"))
		if total == offset {
			return &Stream{Body: io.NopCloser(strings.NewReader("")), Offset: offset, TotalSize: total}, nil
		}
		return nil, &rangeNotSatisfiable{total: total}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if t.opts.RejectHTML && isHTML(resp.Header.Get("Content-Type")) {
			resp.Body.Close()
			return nil, &errpkg.TransferError{
				Op:      "open stream",
				Locator: locator,
				Kind:    errpkg.KindTransient,
				Err:     errors.New("server returned an HTML page instead of a file"),
			}
		}
		if offset > 0 {
			t.logger.Debug("Server ignored range request, restarting from zero", "locator", locator, "offset", offset)
		}
		return t.stream(ctx, resp, 0, resp.ContentLength), nil

	default:
		resp.Body.Close()
		return nil, &errpkg.TransferError{
			Op:      "open stream",
			Locator: locator,
			Err: &errpkg.StatusError{
				Code:       resp.StatusCode,
				Status:     resp.Status,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			},
		}
	}
}

func (t *HTTPTransport) stream(ctx context.Context, resp *http.Response, offset, total int64) *Stream {
	body := resp.Body
	if t.bandwidth != nil {
		body = &rateLimitedReader{ReadCloser: resp.Body, limiter: t.bandwidth, ctx: ctx}
	}
	if total < 0 {
		total = -1
	}
	return &Stream{Body: body, Offset: offset, TotalSize: total}
}

func isHTML(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/html")
}

// parseContentRange parses "bytes start-end/total" and "bytes */total".
// total is -1 when given as "*".
func parseContentRange(v string) (start, total int64, ok bool) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, -1, false
	}
	rangePart, totalPart, found := strings.Cut(strings.TrimPrefix(v, "bytes "), "/")
	if !found {
		return 0, -1, false
	}

	total = -1
	if totalPart != "*" {
		n, err := strconv.ParseInt(totalPart, 10, 64)
		if err != nil {
			return 0, -1, false
		}
		total = n
	}
	if rangePart == "*" {
		return 0, total, true
	}

	startPart, _, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, total, false
	}
	start, err := strconv.ParseInt(startPart, 10, 64)
	if err != nil {
		return 0, total, false
	}
	return start, total, true
}

// parseRetryAfter accepts delay seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// rateLimitedReader throttles reads through a shared limiter.
type rateLimitedReader struct {
	io.ReadCloser
	limiter *rate.Limiter
	ctx     context.Context
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := r.ReadCloser.Read(p)
	if n > 0 {
		if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
