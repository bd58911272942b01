package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	airlock "github.com/eugener/airlock/internal"
)

const (
	queueSize  = 1000
	batchSize  = 100
	flushEvery = 1000 * time.Millisecond
	drainTime  = 30 * time.Second
)

// defaultRisk is applied when the emitter leaves Risk unset. Everything
// not listed defaults to none.
var defaultRisk = map[EventType]RiskLevel{
	EventAPIError:          RiskMedium,
	EventAuthFailure:       RiskHigh,
	EventRateLimitExceeded: RiskMedium,
	EventSuspicious:        RiskHigh,
	EventSecretDetected:    RiskHigh,
	EventSecretBlocked:     RiskCritical,
}

// Logger buffers events and batch-flushes them to a Store. Events are
// dropped, and counted, when the queue is full so a slow store never
// stalls request handling.
type Logger struct {
	ch      chan *Event
	store   Store
	log     *slog.Logger
	enabled atomic.Bool
	dropped atomic.Int64
	now     func() time.Time
	batch   int
	every   time.Duration
}

// NewLogger creates a Logger backed by store. It starts enabled; call Run
// to begin flushing.
func NewLogger(store Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		ch:    make(chan *Event, queueSize),
		store: store,
		log:   logger.With("component", "audit"),
		now:   time.Now,
		batch: batchSize,
		every: flushEvery,
	}
	l.enabled.Store(true)
	return l
}

// SetFlush overrides the batch size and flush interval. Non-positive
// values keep the defaults. Call before Run.
func (l *Logger) SetFlush(batch int, interval time.Duration) {
	if batch > 0 {
		l.batch = batch
	}
	if interval > 0 {
		l.every = interval
	}
}

// Name returns the worker identifier.
func (l *Logger) Name() string { return "audit_logger" }

// Enable turns event recording on.
func (l *Logger) Enable() { l.enabled.Store(true) }

// Disable stops recording; Emit becomes a no-op.
func (l *Logger) Disable() { l.enabled.Store(false) }

// Enabled reports whether events are being recorded.
func (l *Logger) Enabled() bool { return l.enabled.Load() }

// Dropped returns how many events were discarded because the queue was
// full.
func (l *Logger) Dropped() int64 { return l.dropped.Load() }

// Emit enqueues an event. It never blocks. Zero Timestamp, empty Risk and
// empty tenant/request fields are filled in here: risk from the per-type
// default, tenant and request ID from the request context.
func (l *Logger) Emit(ctx context.Context, e *Event) {
	if !l.enabled.Load() {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.Risk == "" {
		if r, ok := defaultRisk[e.Type]; ok {
			e.Risk = r
		} else {
			e.Risk = RiskNone
		}
	}
	if e.RequestID == "" {
		e.RequestID = airlock.RequestIDFromContext(ctx)
	}
	if id := airlock.IdentityFromContext(ctx); id != nil && e.Tenant == "" {
		e.Tenant = id.Tenant
	}

	select {
	case l.ch <- e:
	default:
		l.dropped.Add(1)
		l.log.Warn("audit event dropped, queue full", "event_type", string(e.Type))
	}
}

// Run processes events until ctx is cancelled, then drains the queue.
func (l *Logger) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.every)
	defer ticker.Stop()

	buf := make([]*Event, 0, l.batch)

	for {
		select {
		case e := <-l.ch:
			buf = append(buf, e)
			if len(buf) >= l.batch {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				l.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			l.drain(buf)
			return nil
		}
	}
}

func (l *Logger) drain(buf []*Event) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-l.ch:
			buf = append(buf, e)
			if len(buf) >= l.batch {
				l.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				l.flush(ctx, buf)
			}
			return
		}
	}
}

func (l *Logger) flush(ctx context.Context, buf []*Event) {
	batch := make([]*Event, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for _, e := range batch {
		if e.ID == "" {
			e.ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := l.store.WriteBatch(ctx, batch); err != nil {
		l.log.LogAttrs(ctx, slog.LevelError, "audit flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
