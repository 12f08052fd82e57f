// Package retry wraps fallible boundary calls with bounded attempts and
// deterministic jittered backoff. Jitter is derived from a keyed hash of the
// seed/stage/attempt tuple, never from a process random source, so identical
// inputs always schedule identical delays.
package retry

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"golang.org/x/crypto/blake2b"

	"coldtrail/pkg/platform/clock"
	"coldtrail/pkg/platform/obs"
)

// Policy tunes the backoff schedule. Delay for attempt n is
// base × multiplier^(n-1) plus jitter of up to 50% of that scaled value.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	JitterKey   []byte
}

// DefaultPolicy matches the production batch-job tuning.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        200 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Delay computes the scheduled backoff before attempt+1. Exported so callers
// and tests can reason about worst-case run time without sleeping.
func (p Policy) Delay(stage, seed string, attempt int) time.Duration {
	scaled := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	frac := jitterFraction(p.JitterKey, fmt.Sprintf("%s:%s:%d", seed, stage, attempt))
	return time.Duration(scaled * (1 + frac))
}

// jitterFraction maps a keyed BLAKE2b digest of the input into [0, 0.5).
func jitterFraction(key []byte, input string) float64 {
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New256(key)
	if err != nil {
		// Unreachable after the length clamp above.
		sum := blake2b.Sum256([]byte(input))
		return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64) * 0.5
	}
	h.Write([]byte(input))
	sum := h.Sum(nil)
	return float64(binary.BigEndian.Uint64(sum[:8])) / float64(math.MaxUint64) * 0.5
}

// Runner executes functions under a Policy, logging every attempt and
// counting exhaustions through the injected sink.
type Runner struct {
	policy Policy
	clk    clock.Clock
	logger *slog.Logger
	sink   obs.Sink
}

type Option func(*Runner)

func WithClock(clk clock.Clock) Option {
	return func(r *Runner) {
		r.clk = clk
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithSink(sink obs.Sink) Option {
	return func(r *Runner) {
		r.sink = sink
	}
}

func New(policy Policy, opts ...Option) *Runner {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.Multiplier <= 0 {
		policy.Multiplier = 1
	}
	r := &Runner{
		policy: policy,
		clk:    clock.System{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		sink:   obs.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the runner's backoff policy.
func (r *Runner) Policy() Policy { return r.policy }

// Do runs fn until it succeeds or attempts are exhausted. Each failed attempt
// logs the attempt number, the scheduled delay, and the error; exhaustion
// increments the exhaustion counter exactly once and returns the last error
// wrapped with the stage name.
func Do[T any](r *Runner, stage, seed string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		r.sink.Increment(obs.MetricRetryAttempts, map[string]string{"stage": stage})
		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := r.policy.Delay(stage, seed, attempt)
		r.logger.Warn("stage failed, retrying",
			"stage", stage,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		r.clk.Sleep(delay)
	}
	r.sink.Increment(obs.MetricRetryExhausted, map[string]string{"stage": stage})
	r.logger.Error("stage exhausted retries",
		"stage", stage,
		"attempts", r.policy.MaxAttempts,
		"error", lastErr,
	)
	return zero, fmt.Errorf("stage %s exhausted after %d attempts: %w", stage, r.policy.MaxAttempts, lastErr)
}
