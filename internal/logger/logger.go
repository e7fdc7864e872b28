// Package logger writes the gate's JSONL audit trail.
package logger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/gzhole/turnshield/internal/redact"
)

const (
	defaultMaxLogBytes = 10 << 20
	excerptRunes       = 200
)

// Audit event kinds.
const (
	EventEvaluate   = "evaluate"
	EventOverride   = "override"
	EventReset      = "reset"
	EventFailClosed = "fail_closed"
)

// AuditEvent is one line of the audit log. Text is redacted and truncated
// before it is written; decoded hidden payloads are never part of an event.
type AuditEvent struct {
	Timestamp    string   `json:"timestamp"`
	Event        string   `json:"event"`
	TurnID       string   `json:"turn_id"`
	SessionID    string   `json:"session_id"`
	Text         string   `json:"text,omitempty"`
	Verdict      string   `json:"verdict"`
	Blocked      bool     `json:"blocked"`
	RollingScore float64  `json:"rolling_score"`
	Reasons      []string `json:"reasons,omitempty"`
	Reasoning    string   `json:"reasoning,omitempty"`
	Scorers      []string `json:"scorers,omitempty"`
	Mode         string   `json:"mode"`
	Probation    bool     `json:"probation,omitempty"`
	Relieved     bool     `json:"relieved,omitempty"`
	AutoReset    bool     `json:"auto_reset,omitempty"`
	Bypassed     bool     `json:"bypassed,omitempty"`
	LatencyMS    int64    `json:"latency_ms"`
	Error        string   `json:"error,omitempty"`
}

// Option configures an AuditLogger.
type Option func(*AuditLogger)

// WithMaxBytes sets the size at which the log is rotated to <path>.1.
func WithMaxBytes(n int64) Option {
	return func(l *AuditLogger) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithMaskedPhrases hides the given phrases (the override phrase) in text.
func WithMaskedPhrases(phrases ...string) Option {
	return func(l *AuditLogger) { l.masked = append(l.masked, phrases...) }
}

type AuditLogger struct {
	path     string
	file     *os.File
	size     int64
	maxBytes int64
	masked   []string
	mu       sync.Mutex
}

func New(path string, opts ...Option) (*AuditLogger, error) {
	l := &AuditLogger{path: path, maxBytes: defaultMaxLogBytes}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.open(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *AuditLogger) open() error {
	file, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	l.file = file
	l.size = info.Size()
	return nil
}

// rotate must be called with l.mu held.
func (l *AuditLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return err
	}
	if err := os.Rename(l.path, l.path+".1"); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	return l.open()
}

func (l *AuditLogger) Log(event AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Text = redact.Excerpt(redact.Mask(redact.Redact(event.Text), l.masked...), excerptRunes)
	if event.Error != "" {
		event.Error = redact.Mask(redact.Redact(event.Error), l.masked...)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if l.size > 0 && l.size+int64(len(data)) > l.maxBytes {
		if err := l.rotate(); err != nil {
			return err
		}
	}

	n, err := l.file.Write(data)
	l.size += int64(n)
	return err
}

// Path returns the file the logger appends to.
func (l *AuditLogger) Path() string { return l.path }

func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}
