package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Write is a pending entity write held by the Buffered decorator.
type Write struct {
	Name       string
	Value      string
	EnqueuedAt time.Time
}

// BufferedOptions tunes the write path. Zero values select the defaults.
type BufferedOptions struct {
	// QueueSize bounds pending asynchronous writes (default 64). When full,
	// the oldest pending write is shed and OnDrop invoked.
	QueueSize int
	// WriteDeadline bounds one delivery attempt (default 5s).
	WriteDeadline time.Duration
	// MaxAttempts bounds delivery attempts per write, first try included
	// (default 3). Attempts are spaced by jittered exponential backoff.
	MaxAttempts int
	// RetryInitialInterval and RetryMaxInterval shape the backoff
	// (defaults 100ms and 2s).
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// OnDrop observes writes shed from a full queue.
	OnDrop func(Write)
	// OnError observes writes abandoned after retries were exhausted or the
	// breaker rejected them.
	OnError func(Write, error)

	Logger *zap.Logger
}

func (o BufferedOptions) withDefaults() BufferedOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 100 * time.Millisecond
	}
	if o.RetryMaxInterval <= 0 {
		o.RetryMaxInterval = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// BufferedStats reports write-path counters.
type BufferedStats struct {
	Enqueued  uint64 `json:"enqueued"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Pending   int    `json:"pending"`
}

// Buffered decorates a Bridge with a bounded asynchronous write queue, a
// per-write deadline, jittered retries and a circuit breaker shared by all
// writes. Reads and subscriptions pass through untouched.
type Buffered struct {
	raw  Bridge
	opts BufferedOptions

	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	queue chan Write
	done  chan struct{}
	wg    sync.WaitGroup

	enqueued  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewBuffered wraps raw. Close stops the worker, flushes what it can and
// closes raw.
func NewBuffered(raw Bridge, opts BufferedOptions) *Buffered {
	opts = opts.withDefaults()
	b := &Buffered{
		raw:   raw,
		opts:  opts,
		queue: make(chan Write, opts.QueueSize),
		done:  make(chan struct{}),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "bridge-writes",
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("bridge write breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	b.wg.Add(1)
	go b.worker()
	return b
}

func (b *Buffered) worker() {
	defer b.wg.Done()
	for {
		select {
		case w := <-b.queue:
			b.deliver(w)
		case <-b.done:
			// Flush whatever is still pending; valve closes must not be
			// stranded by shutdown.
			for {
				select {
				case w := <-b.queue:
					b.deliver(w)
				default:
					return
				}
			}
		}
	}
}

func (b *Buffered) deliver(w Write) {
	err := b.write(context.Background(), w.Name, w.Value)
	if err != nil {
		b.failed.Add(1)
		b.opts.Logger.Warn("bridge write abandoned",
			zap.String("entity", w.Name),
			zap.String("value", w.Value),
			zap.Error(err))
		if b.opts.OnError != nil {
			b.opts.OnError(w, err)
		}
		return
	}
	b.delivered.Add(1)
}

// write performs one synchronous delivery: breaker-guarded attempts under the
// write deadline, retried with jittered exponential backoff.
func (b *Buffered) write(ctx context.Context, name, value string) error {
	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, b.opts.WriteDeadline)
		defer cancel()
		_, err := b.breaker.Execute(func() (interface{}, error) {
			return nil, b.raw.Set(attemptCtx, name, value)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(fmt.Errorf("%w: %v", ErrWriteRejected, err))
		}
		if errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.RetryInitialInterval
	bo.MaxInterval = b.opts.RetryMaxInterval
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(b.opts.MaxAttempts-1)), ctx))
}

// Set implements Bridge. The write is queued and delivered asynchronously;
// a full queue sheds its oldest entry. Use SetSync when the caller must
// observe delivery failure.
func (b *Buffered) Set(ctx context.Context, name, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	w := Write{Name: name, Value: value, EnqueuedAt: time.Now()}
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		select {
		case b.queue <- w:
			b.enqueued.Add(1)
			return nil
		default:
		}
		select {
		case old := <-b.queue:
			b.dropped.Add(1)
			b.opts.Logger.Warn("bridge write queue full, dropping oldest",
				zap.String("entity", old.Name))
			if b.opts.OnDrop != nil {
				b.opts.OnDrop(old)
			}
		default:
		}
	}
}

// SetSync delivers a write on the caller's goroutine with the same deadline,
// retry and breaker treatment as queued writes. Actuation paths that must
// abort on failure use this instead of Set.
func (b *Buffered) SetSync(ctx context.Context, name, value string) error {
	select {
	case <-b.done:
		return ErrClosed
	default:
	}
	err := b.write(ctx, name, value)
	if err != nil {
		b.failed.Add(1)
		return err
	}
	b.delivered.Add(1)
	return nil
}

// Get implements Bridge.
func (b *Buffered) Get(name string) (string, bool) { return b.raw.Get(name) }

// GetNumeric implements Bridge.
func (b *Buffered) GetNumeric(name string, def float64) float64 {
	return b.raw.GetNumeric(name, def)
}

// Subscribe implements Bridge.
func (b *Buffered) Subscribe(name string, h Handler) (func(), error) {
	return b.raw.Subscribe(name, h)
}

// PublishEvent implements Bridge.
func (b *Buffered) PublishEvent(kind string, payload map[string]interface{}) error {
	return b.raw.PublishEvent(kind, payload)
}

// Ping forwards a liveness check when the wrapped bridge supports one.
// In-memory bridges have no liveness concept and always report reachable.
func (b *Buffered) Ping(ctx context.Context) error {
	if p, ok := b.raw.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close implements Bridge: it stops the worker, flushes pending writes and
// closes the wrapped bridge.
func (b *Buffered) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.closeErr = b.raw.Close()
	})
	return b.closeErr
}

// Stats returns current write-path counters.
func (b *Buffered) Stats() BufferedStats {
	return BufferedStats{
		Enqueued:  b.enqueued.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Failed:    b.failed.Load(),
		Pending:   len(b.queue),
	}
}

// QueueCap reports the bound on pending asynchronous writes.
func (b *Buffered) QueueCap() int { return cap(b.queue) }

// BreakerState exposes the write breaker for health probes.
func (b *Buffered) BreakerState() gobreaker.State { return b.breaker.State() }
