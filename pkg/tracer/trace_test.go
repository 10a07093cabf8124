package tracer

import (
	"context"
	"testing"

	r "github.com/stretchr/testify/require"

	"github.com/stleox/runspan/pkg/config"
)

func TestAssembler_ScenarioA(t *testing.T) {
	// children listed before their parents
	in := mockEnded(mockScenarioA(traceT1))
	in = []*Span{in[3], in[2], in[1], in[0], in[4]} // node, fetch, tool, llm, root

	out := NewAssembler(config.Default()).Assemble(in)
	r.Len(t, out, 5)
	r.Equal(t, []string{config.RunStateRunning, "", "", "", config.RunStateCompleted}, mockRunStates(out))
	r.Equal(t, []string{"fetch", "search", "ChatOpenAI"}, mockNames(out[1:4]))

	syn := out[0].SpanID
	r.Equal(t, syn, out[4].SpanID)
	for _, s := range out[1:4] {
		r.Equal(t, syn, s.ParentID)
	}
	r.Equal(t, mockTime(0), out[4].StartTime)
	r.Equal(t, mockTime(100), *out[4].EndTime)
	r.Equal(t, "node", in[1].ParentID)
}

func TestAssembler_matchesProcessor(t *testing.T) {
	events := mockScenarioA(traceT1)
	p, sink := mockProcessor(t, config.Default())
	for _, ev := range events {
		r.NoError(t, ev.apply(context.Background(), p))
	}
	streamed := sink.Spans()

	// the offline input is in end order, as a span exporter would see it
	assembled := NewAssembler(config.Default()).Assemble(mockEnded(events))

	r.Equal(t, mockRunStates(streamed), mockRunStates(assembled))
	r.Equal(t, mockNames(streamed), mockNames(assembled))
	for i := range streamed {
		if i == 0 || i == len(streamed)-1 {
			continue
		}
		r.Equal(t, streamed[0].SpanID, streamed[i].ParentID)
		r.Equal(t, assembled[0].SpanID, assembled[i].ParentID)
	}
}

func TestAssembler_ScenarioB(t *testing.T) {
	cfg := config.Default()
	cfg.ExternalParentID = "ext-42"
	cfg.FilterRoot = true

	out := NewAssembler(cfg).Assemble([]*Span{
		mockSpan(traceT1, "root", "", "LangGraph", "", 0, 10),
		mockSpan(traceT1, "llm", "root", "ChatOpenAI", "llm", 1, 5),
	})
	r.Len(t, out, 1)
	r.Equal(t, "llm", out[0].SpanID)
	r.Equal(t, "ext-42", out[0].ParentID)
}

func TestAssembler_ScenarioC(t *testing.T) {
	in := []*Span{
		mockSpan(traceT2, "a", "", "GET /agents", "", 0, 10),
		mockSpan(traceT2, "b", "a", "db.query", "", 1, 2),
		mockSpan(traceT2, "c", "a", "__start__", "", 3, 4),
	}
	out := NewAssembler(config.Default()).Assemble(in)
	r.Len(t, out, 3)
	for i := range in {
		r.Same(t, in[i], out[i])
	}
}

func TestAssembler_unfinishedRoot(t *testing.T) {
	out := NewAssembler(config.Default()).Assemble([]*Span{
		mockSpan(traceT1, "root", "", "LangGraph", "", 0, -1),
		mockSpan(traceT1, "llm", "root", "ChatOpenAI", "llm", 1, 5),
	})
	r.Equal(t, []string{config.RunStateRunning, ""}, mockRunStates(out))
}

func TestAssembler_nested(t *testing.T) {
	out := NewAssembler(config.Default()).Assemble([]*Span{
		mockSpan(traceT1, "tool", "llm", "search", "tool", 3, 4),
		mockSpan(traceT1, "llm", "w2", "ChatOpenAI", "llm", 2, 5),
		mockSpan(traceT1, "w2", "w1", "ChannelWrite<agent>", "", 2, 6),
		mockSpan(traceT1, "w1", "sub", "RunnableLambda", "", 2, 7),
		mockSpan(traceT1, "sub", "root", "LangGraph", "", 1, 19),
		mockSpan(traceT1, "root", "", "LangGraph", "", 0, 20),
	})
	r.Len(t, out, 4)
	syn := out[0].SpanID
	r.Equal(t, "tool", out[1].SpanID)
	r.Equal(t, "llm", out[1].ParentID)
	r.Equal(t, "llm", out[2].SpanID)
	r.Equal(t, syn, out[2].ParentID)
}

func TestAssembler_traces(t *testing.T) {
	in := []*Span{
		mockSpan(traceT2, "a", "", "GET /", "", 0, 1),
		mockSpan(traceT1, "root", "", "LangGraph", "", 0, 10),
		mockSpan(traceT1, "llm", "root", "ChatOpenAI", "llm", 1, 5),
	}
	out := NewAssembler(config.Default()).Assemble(in)
	r.Len(t, out, 4)
	r.Same(t, in[0], out[0])
	r.Equal(t, traceT1, out[1].TraceID)
	r.Equal(t, []string{"", config.RunStateRunning, "", config.RunStateCompleted}, mockRunStates(out))
}

func TestAssembler_disabled(t *testing.T) {
	cfg := config.Default()
	cfg.Enabled = false
	in := mockEnded(mockScenarioA(traceT1))
	out := NewAssembler(cfg).Assemble(in)
	r.Equal(t, in, out)
}

// mockEnded keeps the end events of a stream, in order.
func mockEnded(events []mockEvent) []*Span {
	out := make([]*Span, 0, len(events))
	for _, ev := range events {
		if ev.end {
			out = append(out, ev.span)
		}
	}
	return out
}
