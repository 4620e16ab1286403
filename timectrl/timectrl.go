package timectrl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/scripthost/internal/logging"
)

// DefaultInterval is one frame at 60 frames per second.
const DefaultInterval = time.Second / 60

// ErrStop may be returned by a Listener to end Run without an error.
var ErrStop = errors.New("stop frame clock")

// Mode describes how the FrameClock paces frames.
type Mode int

const (
	// RealTime waits one interval between frames.
	RealTime Mode = iota
	// Accelerated runs frames back to back while still counting them at the
	// configured interval.
	Accelerated
)

// Listener is invoked once per frame. Frame numbers start at 1 and ctx
// carries the frame as the logging tick.
type Listener func(ctx context.Context, frame int64) error

// MetricsRecorder receives per-frame measurements.
type MetricsRecorder interface {
	ObserveFrame(frame int64, d time.Duration)
	IncOverruns()
}

// Option customises a FrameClock.
type Option func(*FrameClock)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(fc *FrameClock) {
		fc.metrics = r
	}
}

// WithLogger attaches a logger for overrun warnings.
func WithLogger(l logging.Logger) Option {
	return func(fc *FrameClock) {
		if l != nil {
			fc.log = l
		}
	}
}

// FrameClock drives frames at a fixed interval and notifies registered
// listeners, in registration order, once per frame.
type FrameClock struct {
	mu       sync.RWMutex
	Interval time.Duration
	Mode     Mode

	frame     int64
	listeners []Listener

	metrics MetricsRecorder
	log     logging.Logger
}

// NewFrameClock constructs a clock. A non-positive interval selects
// DefaultInterval.
func NewFrameClock(interval time.Duration, mode Mode, opts ...Option) *FrameClock {
	if interval <= 0 {
		interval = DefaultInterval
	}
	fc := &FrameClock{
		Interval: interval,
		Mode:     mode,
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(fc)
		}
	}
	return fc
}

// Frame returns the number of the most recently started frame.
func (fc *FrameClock) Frame() int64 {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.frame
}

// Elapsed returns the frame time covered so far, frame count times interval.
func (fc *FrameClock) Elapsed() time.Duration {
	return time.Duration(fc.Frame()) * fc.Interval
}

// AddListener registers a callback invoked on every frame.
func (fc *FrameClock) AddListener(fn Listener) {
	if fn == nil {
		return
	}
	fc.mu.Lock()
	fc.listeners = append(fc.listeners, fn)
	fc.mu.Unlock()
}

// Run drives frames until frames have been run (frames <= 0 means no limit),
// a listener returns ErrStop, or ctx is done. A listener error other than
// ErrStop ends Run with that error; cancellation returns ctx.Err().
func (fc *FrameClock) Run(ctx context.Context, frames int64) error {
	var tick <-chan time.Time
	if fc.Mode == RealTime {
		ticker := time.NewTicker(fc.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for n := int64(0); frames <= 0 || n < frames; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}

		frame, listeners := fc.advance()
		frameCtx := logging.ContextWithTick(ctx, frame)

		start := time.Now()
		err := fire(frameCtx, frame, listeners)
		d := time.Since(start)

		if fc.metrics != nil {
			fc.metrics.ObserveFrame(frame, d)
		}
		if fc.Mode == RealTime && d > fc.Interval {
			if fc.metrics != nil {
				fc.metrics.IncOverruns()
			}
			fc.log.Debug(frameCtx, "frame overran interval",
				logging.Any("duration", d),
				logging.Any("interval", fc.Interval),
			)
		}

		if errors.Is(err, ErrStop) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
	}
	return nil
}

// Start runs the clock in a separate goroutine. The returned channel
// receives Run's result and is then closed.
func (fc *FrameClock) Start(ctx context.Context, frames int64) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- fc.Run(ctx, frames)
	}()
	return done
}

func (fc *FrameClock) advance() (int64, []Listener) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.frame++
	listeners := make([]Listener, len(fc.listeners))
	copy(listeners, fc.listeners)
	return fc.frame, listeners
}

func fire(ctx context.Context, frame int64, listeners []Listener) error {
	for _, fn := range listeners {
		if err := fn(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}
