package tracer

import (
	"testing"

	r "github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	res := NewResolver("")
	st := mockTraceState()
	st.Reparent["n1"] = "syn"
	st.Reparent["n2"] = "n1"
	st.Reparent["n3"] = "llm"
	st.Reparent["n4"] = "remote"
	st.Surviving["llm"] = struct{}{}

	tests := []struct {
		name   string
		parent string
		want   string
		orphan bool
	}{
		{"no parent", "", "syn", false},
		{"root", "root", "syn", false},
		{"synthetic", "syn", "syn", false},
		{"node", "n1", "syn", false},
		{"node chain", "n2", "syn", false},
		{"node under leaf", "n3", "llm", false},
		{"leaf", "llm", "llm", false},
		{"outside the collapsed set", "n4", "remote", false},
		{"unknown", "ghost", "syn", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, orphan := res.Resolve(st, tt.parent)
			r.Equal(t, tt.want, got)
			r.Equal(t, tt.orphan, orphan)
		})
	}
}

func TestResolver_cycle(t *testing.T) {
	res := NewResolver("")
	st := mockTraceState()
	st.Reparent["a"] = "b"
	st.Reparent["b"] = "a"
	st.Reparent["self"] = "self"

	got, orphan := res.Resolve(st, "a")
	r.Equal(t, "syn", got)
	r.True(t, orphan)

	got, orphan = res.Resolve(st, "self")
	r.Equal(t, "syn", got)
	r.True(t, orphan)
}

func TestResolver_external(t *testing.T) {
	res := NewResolver("ext-42")
	st := mockTraceState()
	st.Reparent["root"] = res.Top(st)

	r.Equal(t, "ext-42", res.Top(st))
	r.Equal(t, "ext-42", res.Record(st, "n1", "root"))

	got, orphan := res.Resolve(st, "n1")
	r.Equal(t, "ext-42", got)
	r.False(t, orphan)
}

func TestResolver_Record(t *testing.T) {
	res := NewResolver("")
	st := mockTraceState()

	r.Equal(t, "syn", res.Record(st, "n1", "root"))
	r.Equal(t, "syn", res.Record(st, "n2", "n1"))
	st.Surviving["llm"] = struct{}{}
	r.Equal(t, "llm", res.Record(st, "n3", "llm"))
	r.Equal(t, map[string]string{"n1": "syn", "n2": "syn", "n3": "llm"}, st.Reparent)
}

func mockTraceState() *TraceState {
	st := newTraceState(traceT1, mockBase)
	st.RootID = "root"
	st.SyntheticID = "syn"
	return st
}
