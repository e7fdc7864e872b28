// Package session keeps per-conversation gate state and serializes turns
// within a conversation.
package session

import (
	"sync"
	"time"

	"github.com/gzhole/turnshield/internal/accumulator"
	"github.com/gzhole/turnshield/internal/scorer"
)

const defaultHistoryLimit = 100

// TurnRecord is one evaluated turn kept in session history. It carries no
// user text.
type TurnRecord struct {
	TurnID       string         `json:"turn_id"`
	Verdict      scorer.Verdict `json:"verdict"`
	Blocked      bool           `json:"blocked"`
	RollingScore float64        `json:"rolling_score"`
	At           time.Time      `json:"at"`
}

// Session is the state of one conversation. Fields other than ID are only
// safe to touch while the session is held through Store.Acquire.
type Session struct {
	ID          string
	Threat      *accumulator.Accumulator
	CreatedAt   time.Time
	LastTurnAt  time.Time
	TurnCount   int
	LastVerdict scorer.Verdict
	// Verified marks the current turn as cleared by the gate. It is reset at
	// the start of every turn.
	Verified bool
	History  []TurnRecord

	historyLimit int

	// FIFO ticket lock: turns are served in the order they were submitted.
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newSession(id string, decay float64, historyLimit int, now time.Time) *Session {
	s := &Session{
		ID:           id,
		Threat:       accumulator.New(decay),
		CreatedAt:    now,
		LastTurnAt:   now,
		historyLimit: historyLimit,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Record appends a turn to history, trimming to the limit.
func (s *Session) Record(rec TurnRecord) {
	s.TurnCount++
	s.LastTurnAt = rec.At
	s.LastVerdict = rec.Verdict
	s.History = append(s.History, rec)
	if len(s.History) > s.historyLimit {
		s.History = s.History[len(s.History)-s.historyLimit:]
	}
}

// clear restores the state of a new session. The caller holds the turn.
func (s *Session) clear(decay float64, now time.Time) {
	s.Threat = accumulator.New(decay)
	s.CreatedAt = now
	s.LastTurnAt = now
	s.TurnCount = 0
	s.LastVerdict = ""
	s.Verified = false
	s.History = nil
}

// ticket must be called with s.mu held.
func (s *Session) ticket() uint64 {
	t := s.next
	s.next++
	return t
}

func (s *Session) wait(t uint64) {
	s.mu.Lock()
	for s.serving != t {
		s.cond.Wait()
	}
	s.mu.Unlock()
}

func (s *Session) release() {
	s.mu.Lock()
	s.serving++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// idle must be called with s.mu held.
func (s *Session) idle() bool {
	return s.next == s.serving
}

// Snapshot is a copy of session state safe to hand to other goroutines.
type Snapshot struct {
	ID           string         `json:"id"`
	RollingScore float64        `json:"rolling_score"`
	TurnCount    int            `json:"turn_count"`
	LastVerdict  scorer.Verdict `json:"last_verdict,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastTurnAt   time.Time      `json:"last_turn_at"`
	History      []TurnRecord   `json:"history,omitempty"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		ID:           s.ID,
		RollingScore: s.Threat.Score(),
		TurnCount:    s.TurnCount,
		LastVerdict:  s.LastVerdict,
		CreatedAt:    s.CreatedAt,
		LastTurnAt:   s.LastTurnAt,
		History:      append([]TurnRecord(nil), s.History...),
	}
}

// Store owns every live session. Accumulators live only here and are never
// persisted, so a restart starts every session at zero.
type Store struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	decay        float64
	historyLimit int
	now          func() time.Time
}

// NewStore creates an empty store. decay applies to new accumulators.
func NewStore(decay float64, historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Store{
		sessions:     make(map[string]*Session),
		decay:        decay,
		historyLimit: historyLimit,
		now:          time.Now,
	}
}

// Acquire returns the session for id, creating it when absent, and blocks
// until every turn submitted earlier for the same session has released it.
// The returned func must be called exactly once.
func (st *Store) Acquire(id string) (*Session, func()) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		s = newSession(id, st.decay, st.historyLimit, st.now())
		st.sessions[id] = s
	}
	s.mu.Lock()
	t := s.ticket()
	s.mu.Unlock()
	st.mu.Unlock()

	s.wait(t)

	var once sync.Once
	return s, func() { once.Do(s.release) }
}

// Snapshot copies the state of an existing session, waiting its turn
// behind queued evaluations.
func (st *Store) Snapshot(id string) (Snapshot, bool) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return Snapshot{}, false
	}
	s.mu.Lock()
	t := s.ticket()
	s.mu.Unlock()
	st.mu.Unlock()

	s.wait(t)
	defer s.release()
	return s.snapshot(), true
}

// Prune drops sessions with no queued turns whose last turn is older than
// idle. It returns the number removed.
func (st *Store) Prune(idle time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := st.now().Add(-idle)
	removed := 0
	for id, s := range st.sessions {
		s.mu.Lock()
		stale := s.idle() && s.LastTurnAt.Before(cutoff)
		s.mu.Unlock()
		if stale {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

// Delete forgets id once turns submitted before it have released the
// session. Turns queued behind the delete, and any later Acquire, see a
// fresh session.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if !ok {
		st.mu.Unlock()
		return
	}
	s.mu.Lock()
	t := s.ticket()
	s.mu.Unlock()
	st.mu.Unlock()

	s.wait(t)

	st.mu.Lock()
	s.mu.Lock()
	if s.next == s.serving+1 && st.sessions[id] == s {
		delete(st.sessions, id)
	} else {
		// Turns queued behind the delete keep this session.
		s.clear(st.decay, st.now())
	}
	s.serving++
	s.cond.Broadcast()
	s.mu.Unlock()
	st.mu.Unlock()
}

// Has reports whether id is a live session. It does not wait for queued turns.
func (st *Store) Has(id string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.sessions[id]
	return ok
}

// IDs returns the ids of live sessions.
func (st *Store) IDs() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := make([]string, 0, len(st.sessions))
	for id := range st.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}
