package tracer

import (
	"testing"
	"time"

	r "github.com/stretchr/testify/require"
)

func TestStore_GetOrCreate(t *testing.T) {
	s, err := NewStateStore(8, 8)
	r.NoError(t, err)

	st, created := s.GetOrCreate(traceT1)
	r.True(t, created)
	again, created := s.GetOrCreate(traceT1)
	r.False(t, created)
	r.Same(t, st, again)

	got, ok := s.Get(traceT1)
	r.True(t, ok)
	r.Same(t, st, got)
	_, ok = s.Get(traceT2)
	r.False(t, ok)
	r.Equal(t, 1, s.Len())
}

func TestStore_badSize(t *testing.T) {
	_, err := NewStateStore(0, 8)
	r.Error(t, err)
	_, err = NewStateStore(8, 0)
	r.Error(t, err)
}

func TestStore_Evict(t *testing.T) {
	s, err := NewStateStore(8, 8)
	r.NoError(t, err)

	collapsing, _ := s.GetOrCreate(traceT1)
	collapsing.setMode(modeCollapsing)
	s.GetOrCreate(traceT2)

	s.Evict(traceT1)
	s.Evict(traceT2)
	s.Evict("missing")
	r.Equal(t, 0, s.Len())

	fin, ok := s.Finished(traceT1)
	r.True(t, ok)
	r.Same(t, collapsing, fin)
	r.True(t, fin.Abandoned())
	fin.CompletedEmitted = true
	r.False(t, fin.Abandoned())

	// a state that never opened a run leaves nothing behind
	_, ok = s.Finished(traceT2)
	r.False(t, ok)
}

func TestStore_abandonedWhileCompleting(t *testing.T) {
	s, err := NewStateStore(8, 8)
	r.NoError(t, err)
	st, _ := s.GetOrCreate(traceT1)
	st.setMode(modeCollapsing)

	done := make(chan struct{})
	go func() {
		defer close(done)
		st.mu.Lock()
		st.CompletedEmitted = true
		st.mu.Unlock()
		s.Evict(traceT1)
	}()
	for i := 0; i < 100; i++ {
		_ = st.Abandoned()
	}
	<-done
	r.False(t, st.Abandoned())
}

func TestStore_passthrough(t *testing.T) {
	s, err := NewStateStore(2, 8)
	r.NoError(t, err)

	s.GetOrCreate(traceT1)
	for _, id := range []string{"a", "b", "c"} {
		s.MarkPassthrough(id)
	}
	// markers are bounded on their own and never touch active runs
	r.False(t, s.Passthrough("a"))
	r.True(t, s.Passthrough("c"))
	r.Equal(t, 1, s.Len())
	_, ok := s.Get(traceT1)
	r.True(t, ok)

	s.ClearPassthrough("c")
	r.False(t, s.Passthrough("c"))
	r.Equal(t, 1, s.Reset())
	r.False(t, s.Passthrough("b"))
}

func TestStore_Sweep(t *testing.T) {
	clock := mockNewClock()
	s, err := NewStateStore(8, 8, WithClock(clock.Now))
	r.NoError(t, err)

	var reasons []string
	s.SetEvictHook(func(_ *TraceState, reason string) { reasons = append(reasons, reason) })

	s.GetOrCreate(traceT1)
	clock.Add(30 * time.Second)
	fresh, _ := s.GetOrCreate(traceT2)
	clock.Add(40 * time.Second)

	r.Equal(t, 1, s.Sweep(time.Minute))
	r.Equal(t, 1, s.Len())
	got, ok := s.Get(traceT2)
	r.True(t, ok)
	r.Same(t, fresh, got)
	r.Equal(t, []string{"idle"}, reasons)

	// touching a state keeps it alive
	clock.Add(30 * time.Second)
	fresh.touch(clock.Now())
	r.Equal(t, 0, s.Sweep(time.Minute))
}

func TestStore_insertSweep(t *testing.T) {
	clock := mockNewClock()
	s, err := NewStateStore(8, 8, WithClock(clock.Now), WithIdleTimeout(10*time.Second))
	r.NoError(t, err)

	s.GetOrCreate(traceT1)
	clock.Add(5 * time.Second)
	s.GetOrCreate(traceT2)
	r.Equal(t, 2, s.Len())

	clock.Add(11 * time.Second)
	s.GetOrCreate("00000000000000000000000000000003")
	r.Equal(t, 1, s.Len())
	_, ok := s.Get(traceT1)
	r.False(t, ok)
}

func TestStore_capacity(t *testing.T) {
	s, err := NewStateStore(2, 8)
	r.NoError(t, err)

	var evicted []string
	s.SetEvictHook(func(st *TraceState, reason string) {
		r.Equal(t, "capacity", reason)
		evicted = append(evicted, st.TraceID)
	})

	first, _ := s.GetOrCreate("a")
	first.setMode(modeCollapsing)
	s.GetOrCreate("b")
	s.GetOrCreate("c")

	r.Equal(t, 2, s.Len())
	r.Equal(t, []string{"a"}, evicted)
	r.True(t, first.evicted.Load())
	_, ok := s.Finished("a")
	r.True(t, ok)
}

func TestStore_Reset(t *testing.T) {
	s, err := NewStateStore(8, 8)
	r.NoError(t, err)

	reasons := make(map[string]int)
	s.SetEvictHook(func(_ *TraceState, reason string) { reasons[reason]++ })

	done, _ := s.GetOrCreate(traceT1)
	done.setMode(modeCollapsing)
	s.Evict(traceT1)
	st, _ := s.GetOrCreate(traceT2)

	r.Equal(t, 1, s.Reset())
	r.Equal(t, 0, s.Len())
	r.True(t, st.evicted.Load())
	_, ok := s.Finished(traceT1)
	r.False(t, ok)
	r.Equal(t, map[string]int{"shutdown": 1}, reasons)
}
