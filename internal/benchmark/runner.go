package benchmark

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gzhole/turnshield/internal/gate"
)

// FailurePenalty is the latency charged to a record the gate failed on.
const FailurePenalty = 60 * time.Second

// Gate is the part of the controller the runner drives.
type Gate interface {
	Evaluate(ctx context.Context, sessionID, text string) gate.Decision
}

// forgetter is implemented by gates that can drop finished sessions.
type forgetter interface {
	Forget(sessionID string)
}

// Runner evaluates every record in its own fresh session so one record
// cannot influence the next.
type Runner struct {
	Gate     Gate
	Workers  int
	Logger   *zap.Logger
	Progress func(done, total int)

	now func() time.Time
}

// Run scores records concurrently and returns results in input order.
// It stops early only when ctx is cancelled.
func (r *Runner) Run(ctx context.Context, records []Record) ([]Result, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	log := r.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := r.now
	if now == nil {
		now = time.Now
	}

	results := make([]Result, len(records))
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.evaluate(gctx, rec, now, log)
			n := done.Add(1)
			if r.Progress != nil {
				r.Progress(int(n), len(records))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Runner) evaluate(ctx context.Context, rec Record, now func() time.Time, log *zap.Logger) Result {
	sessionID := "bench-" + uuid.NewString()
	if f, ok := r.Gate.(forgetter); ok {
		defer f.Forget(sessionID)
	}

	start := now()
	d := r.Gate.Evaluate(ctx, sessionID, rec.Text)
	latency := now().Sub(start)

	res := Result{
		ID:        rec.ID,
		Timestamp: start,
		Text:      rec.Text,
		Label:     rec.Label,
		Verdict:   string(d.Verdict),
		Blocked:   d.Blocked,
		Latency:   latency,
	}
	if d.FailedClosed {
		log.Warn("benchmark record failed closed", zap.Int("id", rec.ID))
		res.Verdict = VerdictError
		res.Blocked = true
		res.Latency = FailurePenalty
	}
	return res
}
