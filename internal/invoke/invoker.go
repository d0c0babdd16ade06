// Package invoke wraps one outbound collaborator call with a segmented
// timeout and a bounded retry budget. Long server operations are modeled
// as a sequence of quiet wait segments: the call is only abandoned after
// the full segment budget elapses, while transport faults are retried
// with a fixed backoff.
package invoke

import (
	"context"
	"fmt"
	"time"
)

// Operation is one outbound call. It must tolerate being re-issued,
// since transport failures are retried.
type Operation func(ctx context.Context) (string, error)

// Heartbeat is emitted once per elapsed wait segment. It is purely
// observational and never influences the call outcome.
type Heartbeat struct {
	// Segment is the 1-based index of the segment that just elapsed.
	Segment int
	// Elapsed is the total wait time for the current attempt.
	Elapsed time.Duration
}

// TimeoutError indicates the call stayed quiet for the full segment budget.
type TimeoutError struct {
	// Segments is the number of segments waited before abandoning.
	Segments int
	// Segment is the per-segment timeout that was applied.
	Segment time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call abandoned after %d quiet segments of %s", e.Segments, e.Segment)
}

// TransportError indicates the call failed outright and the retry budget
// is exhausted.
type TransportError struct {
	// Attempts is the total number of attempts made.
	Attempts int
	// Err is the final underlying failure.
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("call failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DefaultBackoff is the fixed wait between retry attempts.
const DefaultBackoff = 2 * time.Second

// Invoker executes operations under a segmented timeout + bounded retry
// policy. The zero value is not usable; construct with New.
type Invoker struct {
	segment     time.Duration
	maxSegments int
	maxRetries  int
	backoff     time.Duration
	onHeartbeat func(Heartbeat)
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithBackoff overrides the fixed retry backoff.
func WithBackoff(d time.Duration) Option {
	return func(iv *Invoker) { iv.backoff = d }
}

// WithHeartbeat registers an observer called once per elapsed segment.
func WithHeartbeat(fn func(Heartbeat)) Option {
	return func(iv *Invoker) { iv.onHeartbeat = fn }
}

// New creates an Invoker with the given per-segment timeout, segment
// budget and transport retry budget.
func New(segment time.Duration, maxSegments, maxRetries int, opts ...Option) *Invoker {
	if maxSegments < 1 {
		maxSegments = 1
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	iv := &Invoker{
		segment:     segment,
		maxSegments: maxSegments,
		maxRetries:  maxRetries,
		backoff:     DefaultBackoff,
	}
	for _, opt := range opts {
		opt(iv)
	}
	return iv
}

// Do executes the operation under the invoker's policy.
//
// Each attempt waits up to segment×maxSegments for the call to settle; a
// quiet attempt is abandoned with a TimeoutError and is not retried (the
// segment budget already absorbed the slow-server case). An outright
// failure is retried after a fixed backoff while the retry budget lasts,
// then propagated as a TransportError. Total attempts never exceed
// maxRetries+1.
func (iv *Invoker) Do(ctx context.Context, op Operation) (string, error) {
	var lastErr error

	for attempt := 0; attempt <= iv.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(iv.backoff):
			case <-ctx.Done():
				return "", &TransportError{Attempts: attempt, Err: ctx.Err()}
			}
		}

		result, err := iv.attempt(ctx, op)
		if err == nil {
			return result, nil
		}
		if _, quiet := err.(*TimeoutError); quiet {
			// The attempt consumed the full segment budget; retrying
			// would blow the caller's time budget.
			return "", err
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
	}

	return "", &TransportError{Attempts: iv.maxRetries + 1, Err: lastErr}
}

type attemptResult struct {
	value string
	err   error
}

// attempt issues the call once and waits through up to maxSegments quiet
// segments. The in-flight call is never cancelled by segment expiry; an
// abandoned call simply stops being awaited.
func (iv *Invoker) attempt(ctx context.Context, op Operation) (string, error) {
	done := make(chan attemptResult, 1)
	start := time.Now()

	go func() {
		value, err := op(ctx)
		done <- attemptResult{value: value, err: err}
	}()

	for segment := 1; ; segment++ {
		timer := time.NewTimer(iv.segment)
		select {
		case res := <-done:
			timer.Stop()
			return res.value, res.err
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
			if iv.onHeartbeat != nil {
				iv.onHeartbeat(Heartbeat{Segment: segment, Elapsed: time.Since(start)})
			}
			if segment >= iv.maxSegments {
				return "", &TimeoutError{Segments: segment, Segment: iv.segment}
			}
		}
	}
}
