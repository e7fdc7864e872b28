package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gzhole/turnshield/internal/logger"
)

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("recorder closed")

const (
	defaultFlushInterval = 2 * time.Second
	defaultBatchSize     = 64
	flushTimeout         = 5 * time.Second
)

// Recorder batches audit events into the Store off the evaluation path.
// Pending events are flushed every interval, when batchSize is reached,
// and on Close.
type Recorder struct {
	store     *Store
	log       *zap.Logger
	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	pending []Decision
	closed  bool

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewRecorder(st *Store, interval time.Duration, batchSize int, log *zap.Logger) *Recorder {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{
		store:     st,
		log:       log,
		interval:  interval,
		batchSize: batchSize,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// Log queues an audit event. It never blocks on the database.
func (r *Recorder) Log(event logger.AuditEvent) error {
	d := fromEvent(event)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.pending = append(r.pending, d)
	full := len(r.pending) >= r.batchSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// Pending returns the number of queued, unflushed decisions.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Flush writes every queued decision now.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if err := r.store.SaveBatch(ctx, batch); err != nil {
		r.log.Error("decision flush failed", zap.Int("dropped", len(batch)), zap.Error(err))
		return err
	}
	return nil
}

// Close stops the background loop and flushes what is pending. It does not
// close the Store.
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.stop)
		<-r.done

		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		err = r.Flush(ctx)
	})
	return err
}

func (r *Recorder) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
		case <-r.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		_ = r.Flush(ctx)
		cancel()
	}
}

func fromEvent(e logger.AuditEvent) Decision {
	at, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		at = time.Now()
	}
	return Decision{
		TurnID:       e.TurnID,
		SessionID:    e.SessionID,
		Event:        e.Event,
		Verdict:      e.Verdict,
		Blocked:      e.Blocked,
		RollingScore: e.RollingScore,
		Reasons:      e.Reasons,
		Mode:         e.Mode,
		Flags: Flags{
			Probation:    e.Probation,
			Relieved:     e.Relieved,
			AutoReset:    e.AutoReset,
			Bypassed:     e.Bypassed,
			FailedClosed: e.Event == logger.EventFailClosed,
		},
		LatencyMS: e.LatencyMS,
		CreatedAt: at,
	}
}
