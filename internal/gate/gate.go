// Package gate is the per-turn entry point: it runs the scorers, applies
// the arbiter and decides what the caller may disclose to the user.
package gate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gzhole/turnshield/internal/arbiter"
	"github.com/gzhole/turnshield/internal/config"
	"github.com/gzhole/turnshield/internal/logger"
	"github.com/gzhole/turnshield/internal/scorer"
	"github.com/gzhole/turnshield/internal/session"
)

// User-facing messages. None of them may carry scorer details.
const (
	MessageBlocked    = "Request refused for security reasons. Please rephrase or start a new conversation."
	MessageStrictDeny = "ACCESS DENIED: Security violation."
	MessageFailClosed = "Security evaluation failed. Request refused."
	MessageMonitor    = "Note: this request was flagged for review and will be handled with extra care."
	MessageOverride   = "Override accepted. Security checks bypassed for this turn."
	MessageReset      = "Threat level reset to 0.0."
)

const (
	ModeNormal    = "normal"
	ModeBenchmark = "benchmark"
)

// Decision is the gate's answer for one turn. Callers route the turn
// downstream only when Blocked is false.
type Decision struct {
	TurnID           string         `json:"turn_id"`
	SessionID        string         `json:"session_id"`
	Verdict          scorer.Verdict `json:"verdict"`
	Blocked          bool           `json:"blocked"`
	RollingScore     float64        `json:"rolling_score"`
	UserMessage      string         `json:"user_message"`
	SecurityVerified bool           `json:"security_verified"`
	Bypassed         bool           `json:"bypassed,omitempty"`
	Reset            bool           `json:"reset,omitempty"`
	FailedClosed     bool           `json:"failed_closed,omitempty"`
	Probation        bool           `json:"probation,omitempty"`
	Relieved         bool           `json:"relieved,omitempty"`
	AutoReset        bool           `json:"auto_reset,omitempty"`
}

// AuditSink receives one event per turn. logger.AuditLogger and
// store.Recorder both satisfy it.
type AuditSink interface {
	Log(event logger.AuditEvent) error
}

// Options wires a Controller. Primary and Sessions are required.
type Options struct {
	Config    *config.Config
	Primary   scorer.Scorer
	Secondary scorer.Scorer
	Sessions  *session.Store
	Sinks     []AuditSink
	Logger    *zap.Logger
}

// Controller evaluates turns. It is safe for concurrent use; turns of the
// same session are served in submission order.
type Controller struct {
	cfg       *config.Config
	primary   scorer.Scorer
	secondary scorer.Scorer
	arbiter   *arbiter.Arbiter
	sessions  *session.Store
	sinks     []AuditSink
	log       *zap.Logger

	now   func() time.Time
	newID func() string
}

func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewStore(cfg.Decay, cfg.Session.HistoryLimit)
	}
	return &Controller{
		cfg:       cfg,
		primary:   opts.Primary,
		secondary: opts.Secondary,
		arbiter:   arbiter.New(cfg.ArbiterPolicy()),
		sessions:  sessions,
		sinks:     opts.Sinks,
		log:       log,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Sessions returns the session store shared across reloads.
func (c *Controller) Sessions() *session.Store { return c.sessions }

// Config returns the configuration the controller was built with.
func (c *Controller) Config() *config.Config { return c.cfg }

func (c *Controller) mode() string {
	if c.cfg.BenchmarkMode {
		return ModeBenchmark
	}
	return ModeNormal
}

// Status describes the scoring layers currently in use.
type Status struct {
	Mode               string `json:"mode"`
	Primary            string `json:"primary"`
	Secondary          string `json:"secondary,omitempty"`
	SecondaryAvailable bool   `json:"secondary_available"`
	Sessions           int    `json:"sessions"`
}

func (c *Controller) Status() Status {
	st := Status{
		Mode:               c.mode(),
		SecondaryAvailable: scorer.IsAvailable(c.secondary),
		Sessions:           c.sessions.Len(),
	}
	if c.primary != nil {
		st.Primary = c.primary.Name()
	}
	if c.secondary != nil {
		st.Secondary = c.secondary.Name()
	}
	return st
}

// trace carries audit-only details that never reach the Decision.
type trace struct {
	event     string
	reasons   []string
	reasoning string
	scorers   []string
	err       error
}

// Evaluate scores one turn of sessionID. It never returns an unscored
// allow: any panic or unexpected scorer error yields a blocked decision.
func (c *Controller) Evaluate(ctx context.Context, sessionID, text string) Decision {
	start := c.now()

	s, release := c.sessions.Acquire(sessionID)
	defer release()

	s.Verified = false
	turnID := c.newID()

	dec, tr := c.evaluate(ctx, s, text)
	dec.TurnID = turnID
	dec.SessionID = sessionID
	s.Verified = dec.SecurityVerified

	at := c.now()
	s.Record(session.TurnRecord{
		TurnID:       turnID,
		Verdict:      dec.Verdict,
		Blocked:      dec.Blocked,
		RollingScore: dec.RollingScore,
		At:           at,
	})
	c.audit(dec, tr, text, at.Sub(start))
	return dec
}

func (c *Controller) evaluate(ctx context.Context, s *session.Session, text string) (dec Decision, tr trace) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("gate panic, failing closed",
				zap.String("session", s.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			dec, tr = c.failClosed(s, fmt.Errorf("panic: %v", r))
		}
	}()

	if c.isOverride(text) {
		c.log.Warn("override phrase accepted, gate bypassed for this turn",
			zap.String("session", s.ID),
			zap.Float64("rolling", s.Threat.Score()))
		return Decision{
			Verdict:          scorer.Routine,
			RollingScore:     s.Threat.Score(),
			UserMessage:      MessageOverride,
			SecurityVerified: true,
			Bypassed:         true,
		}, trace{event: logger.EventOverride}
	}

	if c.isReset(text) {
		s.Threat.Reset()
		c.log.Info("threat accumulator reset", zap.String("session", s.ID))
		return Decision{
			Verdict:          scorer.Routine,
			RollingScore:     s.Threat.Score(),
			UserMessage:      MessageReset,
			SecurityVerified: true,
			Reset:            true,
		}, trace{event: logger.EventReset}
	}

	if c.primary == nil {
		return c.failClosed(s, errors.New("no primary scorer configured"))
	}

	primary, err := c.primary.Analyze(ctx, text, nil)
	if err != nil {
		return c.failClosed(s, fmt.Errorf("%s: %w", c.primary.Name(), err))
	}
	tr.scorers = append(tr.scorers, c.primary.Name())

	var secondary *scorer.ScoreReport
	if scorer.IsAvailable(c.secondary) {
		rep, err := c.secondary.Analyze(ctx, text, s.Threat)
		switch {
		case err == nil:
			secondary = &rep
			tr.scorers = append(tr.scorers, c.secondary.Name())
		case errors.Is(err, scorer.ErrUnavailable):
			c.log.Debug("secondary unavailable, primary only", zap.String("session", s.ID))
		default:
			return c.failClosed(s, fmt.Errorf("%s: %w", c.secondary.Name(), err))
		}
	}

	out := c.arbiter.Reconcile(primary, secondary, s.Threat, c.cfg.IsSafeCommand(text))

	dec = Decision{
		Verdict:          out.Verdict,
		Blocked:          out.Blocked,
		RollingScore:     out.RollingScore,
		UserMessage:      c.disclose(out),
		SecurityVerified: !out.Blocked,
		Probation:        out.Probation,
		Relieved:         out.Relieved,
		AutoReset:        out.AutoReset,
	}
	tr.event = logger.EventEvaluate
	tr.reasons = out.Reasons
	tr.reasoning = out.Reasoning

	if out.Blocked {
		c.log.Info("turn blocked",
			zap.String("session", s.ID),
			zap.String("verdict", string(out.Verdict)),
			zap.Float64("rolling", out.RollingScore),
			zap.Strings("reasons", out.Reasons),
			zap.Bool("auto_reset", out.AutoReset))
	}
	return dec, tr
}

func (c *Controller) failClosed(s *session.Session, err error) (Decision, trace) {
	c.log.Error("security evaluation failed, turn blocked",
		zap.String("session", s.ID), zap.Error(err))
	return Decision{
		Verdict:      scorer.HighRisk,
		Blocked:      true,
		RollingScore: s.Threat.Score(),
		UserMessage:  MessageFailClosed,
		FailedClosed: true,
	}, trace{event: logger.EventFailClosed, err: err}
}

// disclose picks the sanitized user message for an arbitrated outcome.
func (c *Controller) disclose(out arbiter.Outcome) string {
	switch {
	case out.Blocked && c.cfg.BenchmarkMode:
		return MessageStrictDeny
	case out.Blocked:
		return MessageBlocked
	case out.Verdict == scorer.Monitor:
		return MessageMonitor
	default:
		return ""
	}
}

func (c *Controller) isOverride(text string) bool {
	phrase := strings.ToLower(strings.TrimSpace(c.cfg.OverridePhrase))
	return phrase != "" && strings.Contains(strings.ToLower(text), phrase)
}

func (c *Controller) isReset(text string) bool {
	return strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(c.cfg.ResetCommand))
}

// Forget drops the session state of id.
func (c *Controller) Forget(id string) { c.sessions.Delete(id) }

// ResetSession clears the accumulator of id outside of a chat turn.
func (c *Controller) ResetSession(id string) Decision {
	return c.Evaluate(context.Background(), id, c.cfg.ResetCommand)
}

func (c *Controller) audit(dec Decision, tr trace, text string, latency time.Duration) {
	if len(c.sinks) == 0 {
		return
	}
	event := logger.AuditEvent{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		Event:        tr.event,
		TurnID:       dec.TurnID,
		SessionID:    dec.SessionID,
		Text:         text,
		Verdict:      string(dec.Verdict),
		Blocked:      dec.Blocked,
		RollingScore: dec.RollingScore,
		Reasons:      tr.reasons,
		Reasoning:    tr.reasoning,
		Scorers:      tr.scorers,
		Mode:         c.mode(),
		Probation:    dec.Probation,
		Relieved:     dec.Relieved,
		AutoReset:    dec.AutoReset,
		Bypassed:     dec.Bypassed,
		LatencyMS:    latency.Milliseconds(),
	}
	if tr.err != nil {
		event.Error = tr.err.Error()
	}
	for _, sink := range c.sinks {
		if err := sink.Log(event); err != nil {
			c.log.Warn("audit sink failed", zap.String("turn", dec.TurnID), zap.Error(err))
		}
	}
}
