package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// ErrorClass is the classified cause of a failed pull attempt.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	// ClassInterrupted covers dropped connections, stalled transfers and timeouts.
	ClassInterrupted
	// ClassServer covers registry or daemon 5xx responses.
	ClassServer
	ClassNotFound
	ClassAuth
)

func (c ErrorClass) String() string {
	switch c {
	case ClassInterrupted:
		return "interrupted"
	case ClassServer:
		return "server"
	case ClassNotFound:
		return "not-found"
	case ClassAuth:
		return "auth"
	}
	return "other"
}

// Transient reports whether the class is worth retrying.
func (c ErrorClass) Transient() bool {
	return c == ClassInterrupted || c == ClassServer
}

// ErrPullStalled is returned when a pull makes no progress within the pause timeout.
var ErrPullStalled = errors.New("image pull stalled")

var interruptedMarkers = []string{
	"connection reset",
	"broken pipe",
	"unexpected eof",
	"i/o timeout",
	"tls handshake timeout",
	"connection refused",
	"no such host",
	"stream error",
}

var serverMarkers = []string{
	"500 internal server error",
	"502 bad gateway",
	"503 service unavailable",
	"504 gateway timeout",
	"received unexpected http status: 5",
	"toomanyrequests",
}

// Classify maps a pull error onto an ErrorClass. Cancellation of the caller's
// own context is never transient.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, context.Canceled):
		return ClassOther
	case errors.Is(err, ErrPullStalled):
		return ClassInterrupted
	case cerrdefs.IsNotFound(err):
		return ClassNotFound
	case cerrdefs.IsUnauthorized(err), cerrdefs.IsPermissionDenied(err):
		return ClassAuth
	case cerrdefs.IsInternal(err), cerrdefs.IsUnavailable(err), cerrdefs.IsDataLoss(err):
		return ClassServer
	case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return ClassInterrupted
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassInterrupted
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassInterrupted
	}
	msg := strings.ToLower(err.Error())
	for _, m := range serverMarkers {
		if strings.Contains(msg, m) {
			return ClassServer
		}
	}
	for _, m := range interruptedMarkers {
		if strings.Contains(msg, m) {
			return ClassInterrupted
		}
	}
	return ClassOther
}

// PullRetryPolicy decides whether a failed pull is attempted again.
// PullStarted is called once at the beginning of every pull sequence;
// ShouldRetry after each failed attempt.
type PullRetryPolicy interface {
	PullStarted()
	ShouldRetry(ref Reference, class ErrorClass) (bool, error)
}

// ErrPullNotStarted is returned by time-boxed policies consulted before PullStarted.
var ErrPullNotStarted = errors.New("retry policy consulted before PullStarted")

type failFast struct{}

// FailFast never retries.
func FailFast() PullRetryPolicy { return failFast{} }

func (failFast) PullStarted() {}

func (failFast) ShouldRetry(Reference, ErrorClass) (bool, error) { return false, nil }

type noOfAttempts struct {
	mu       sync.Mutex
	max      int
	attempts int
}

// NoOfAttempts retries at most max times per pull sequence. The counter is
// incremented before it is compared, so ShouldRetry returns true for exactly
// the first max calls and NoOfAttempts(0) never retries.
func NoOfAttempts(max int) (PullRetryPolicy, error) {
	if max < 0 {
		return nil, fmt.Errorf("max attempts should not be negative: %d", max)
	}
	return &noOfAttempts{max: max}, nil
}

func (p *noOfAttempts) PullStarted() {
	p.mu.Lock()
	p.attempts = 0
	p.mu.Unlock()
}

func (p *noOfAttempts) ShouldRetry(Reference, ErrorClass) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return p.attempts <= p.max, nil
}

type limitedDuration struct {
	mu      sync.Mutex
	max     time.Duration
	started time.Time
	now     func() time.Time
}

// LimitedDuration retries while less than d has elapsed since PullStarted.
func LimitedDuration(d time.Duration) (PullRetryPolicy, error) {
	if d < 0 {
		return nil, fmt.Errorf("duration should not be negative: %s", d)
	}
	return &limitedDuration{max: d, now: time.Now}, nil
}

func (p *limitedDuration) PullStarted() {
	p.mu.Lock()
	p.started = p.now()
	p.mu.Unlock()
}

func (p *limitedDuration) ShouldRetry(Reference, ErrorClass) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		return false, ErrPullNotStarted
	}
	return p.now().Before(p.started.Add(p.max)), nil
}

type transientWithin struct {
	limit *limitedDuration
}

// DefaultRetryPolicy retries transient failures (interrupted transfers and
// server-side errors) for up to two minutes. Any other class stops at once.
func DefaultRetryPolicy() PullRetryPolicy {
	return TransientWithin(2 * time.Minute)
}

// TransientWithin is DefaultRetryPolicy with a custom budget.
func TransientWithin(d time.Duration) PullRetryPolicy {
	if d < 0 {
		d = 0
	}
	return &transientWithin{limit: &limitedDuration{max: d, now: time.Now}}
}

func (p *transientWithin) PullStarted() { p.limit.PullStarted() }

func (p *transientWithin) ShouldRetry(ref Reference, class ErrorClass) (bool, error) {
	if !class.Transient() {
		return false, nil
	}
	return p.limit.ShouldRetry(ref, class)
}
