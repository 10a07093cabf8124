package tracer

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

type traceMode int32

const (
	modeUnseen traceMode = iota
	modeCollapsing
)

// TraceState is the transient per-trace state. Exported fields are guarded by
// mu; hold mu for the whole of one span event.
type TraceState struct {
	mu sync.Mutex

	TraceID     string
	SyntheticID string
	RootID      string
	// Reparent maps a collapsed (root or node) span id to its effective parent.
	Reparent map[string]string
	// Surviving holds ids of spans that will be forwarded, registered at start.
	Surviving map[string]struct{}

	RunningEmitted   bool
	CompletedEmitted bool
	StartTime        time.Time

	root     *Span // latest root snapshot, source of synthetic attributes
	mode     atomic.Int32
	evicted  atomic.Bool
	lastSeen atomic.Int64
}

func newTraceState(traceID string, now time.Time) *TraceState {
	st := &TraceState{
		TraceID:   traceID,
		Reparent:  make(map[string]string),
		Surviving: make(map[string]struct{}),
	}
	st.touch(now)
	return st
}

func (st *TraceState) touch(now time.Time) {
	st.lastSeen.Store(now.UnixNano())
}

func (st *TraceState) idleSince() time.Time {
	return time.Unix(0, st.lastSeen.Load())
}

func (st *TraceState) getMode() traceMode {
	return traceMode(st.mode.Load())
}

func (st *TraceState) setMode(m traceMode) {
	st.mode.Store(int32(m))
}

// Abandoned reports a state that left the active cache before its root ended.
// It takes st.mu.
func (st *TraceState) Abandoned() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.evicted.Load() && !st.CompletedEmitted
}

// StoreOption customizes a StateStore.
type StoreOption func(*StateStore)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *StateStore) { s.now = now }
}

// WithIdleTimeout enables insert-time sweeping of states idle for longer than d.
func WithIdleTimeout(d time.Duration) StoreOption {
	return func(s *StateStore) { s.idleTimeout = d }
}

// StateStore owns the per-trace state of one processor instance.
//
// Active runs live in a bounded LRU; completed and abandoned ones move to a
// second bounded LRU so duplicates and late spans still find their state.
// Traces without any agent-graph signal only leave a marker in a third cache,
// so they never compete with runs for max_traces.
type StateStore struct {
	mu sync.Mutex

	// cache: TraceID -> active state
	active *lru.Cache[string, *TraceState]
	// cache: TraceID -> completed or abandoned state
	finished *lru.Cache[string, *TraceState]
	// cache: TraceID of passthrough traces
	passthrough *lru.Cache[string, struct{}]

	now         func() time.Time
	idleTimeout time.Duration
	lastSweep   time.Time
	onEvict     func(st *TraceState, reason string)
}

func NewStateStore(maxTraces, maxFinished int, opts ...StoreOption) (*StateStore, error) {
	s := &StateStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	var err error
	s.active, err = lru.NewWithEvict[string, *TraceState](maxTraces, s.capacityEvicted)
	if err != nil {
		return nil, err
	}
	s.finished, err = lru.New[string, *TraceState](maxFinished)
	if err != nil {
		return nil, err
	}
	s.passthrough, err = lru.New[string, struct{}](maxTraces)
	if err != nil {
		return nil, err
	}
	s.lastSweep = s.now()
	return s, nil
}

// called by the active cache with s.mu held; must not take any state lock
func (s *StateStore) capacityEvicted(traceID string, st *TraceState) {
	if st.evicted.Load() {
		return
	}
	st.evicted.Store(true)
	if st.getMode() == modeCollapsing {
		s.finished.Add(traceID, st)
	}
	logrus.WithField("trace_id", traceID).Debug("trace state pushed out by capacity")
	if s.onEvict != nil {
		s.onEvict(st, "capacity")
	}
}

// GetOrCreate returns the active state for traceID, creating it if needed.
// created is true when the returned state is new.
func (s *StateStore) GetOrCreate(traceID string) (*TraceState, bool) {
	var stale []*TraceState
	s.mu.Lock()
	if st, ok := s.active.Get(traceID); ok {
		s.mu.Unlock()
		return st, false
	}
	now := s.now()
	if s.idleTimeout > 0 && now.Sub(s.lastSweep) >= s.idleTimeout {
		stale = s.active.Values()
		s.lastSweep = now
	}
	st := newTraceState(traceID, now)
	s.active.Add(traceID, st)
	s.mu.Unlock()

	if len(stale) > 0 {
		s.evictStale(stale, now, s.idleTimeout)
	}
	return st, true
}

// Get returns the active state for traceID.
func (s *StateStore) Get(traceID string) (*TraceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Get(traceID)
}

// Finished returns the state of a completed or abandoned trace, while it is
// still retained.
func (s *StateStore) Finished(traceID string) (*TraceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished.Get(traceID)
}

// MarkPassthrough remembers traceID as a trace forwarded unchanged.
func (s *StateStore) MarkPassthrough(traceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough.Add(traceID, struct{}{})
}

// Passthrough reports whether traceID was marked as passthrough. The lookup
// does not refresh the marker.
func (s *StateStore) Passthrough(traceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passthrough.Contains(traceID)
}

// ClearPassthrough drops the marker of traceID once a run shows up in it.
func (s *StateStore) ClearPassthrough(traceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passthrough.Remove(traceID)
}

// Evict removes the active state of traceID. A collapsing state is retained
// as finished.
func (s *StateStore) Evict(traceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.active.Peek(traceID)
	if !ok {
		return
	}
	st.evicted.Store(true)
	s.active.Remove(traceID)
	if st.getMode() == modeCollapsing {
		s.finished.Add(traceID, st)
	}
}

// Sweep evicts states untouched for longer than olderThan and returns how
// many were removed. Swept traces never get a completed emission.
func (s *StateStore) Sweep(olderThan time.Duration) int {
	s.mu.Lock()
	now := s.now()
	candidates := s.active.Values()
	s.lastSweep = now
	s.mu.Unlock()
	return s.evictStale(candidates, now, olderThan)
}

// the idle check is repeated under each state's own lock
func (s *StateStore) evictStale(candidates []*TraceState, now time.Time, olderThan time.Duration) int {
	cutoff := now.Add(-olderThan)
	n := 0
	for _, st := range candidates {
		st.mu.Lock()
		if st.evicted.Load() || st.idleSince().After(cutoff) {
			st.mu.Unlock()
			continue
		}
		st.evicted.Store(true)
		st.mu.Unlock()

		s.mu.Lock()
		if cur, ok := s.active.Peek(st.TraceID); ok && cur == st {
			s.active.Remove(st.TraceID)
			if st.getMode() == modeCollapsing {
				s.finished.Add(st.TraceID, st)
			}
		}
		s.mu.Unlock()

		n++
		logrus.WithField("trace_id", st.TraceID).Debug("swept idle trace state")
		if s.onEvict != nil {
			s.onEvict(st, "idle")
		}
	}
	return n
}

// SetEvictHook registers a callback for every state leaving the active cache
// without completing, with the reason ("idle", "capacity", "shutdown").
func (s *StateStore) SetEvictHook(hook func(st *TraceState, reason string)) {
	s.mu.Lock()
	s.onEvict = hook
	s.mu.Unlock()
}

// Len is the number of active traces.
func (s *StateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.Len()
}

// Reset discards every active and finished state and returns how many active
// traces were dropped.
func (s *StateStore) Reset() int {
	s.mu.Lock()
	states := s.active.Values()
	for _, st := range states {
		st.evicted.Store(true)
	}
	// Purge would report every active entry to capacityEvicted
	for _, st := range states {
		s.active.Remove(st.TraceID)
	}
	s.finished.Purge()
	s.passthrough.Purge()
	s.mu.Unlock()

	for _, st := range states {
		if s.onEvict != nil {
			s.onEvict(st, "shutdown")
		}
	}
	return len(states)
}
