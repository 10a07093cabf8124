package replay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/bytedance/sonic"

	"github.com/stleox/runspan/pkg/tracer"
)

const (
	EventStart = "start"
	EventEnd   = "end"
)

// longest accepted input line
const maxLineSize = 16 << 20

// Event is one line of a replay file: a span record plus whether it was
// observed starting or ending.
type Event struct {
	Event string `json:"event"`
	tracer.Span
}

// ReadEvents decodes JSON-lines events, skipping blank lines.
func ReadEvents(r io.Reader) ([]*Event, error) {
	events := make([]*Event, 0)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		ev := &Event{}
		if err := sonic.Unmarshal(line, ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		if err := ev.validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	return events, nil
}

func (ev *Event) validate() error {
	if ev.TraceID == "" || ev.SpanID == "" {
		return fmt.Errorf("span %q has no trace_id or span_id", ev.Name)
	}
	switch ev.Event {
	case EventStart:
		// a start event never carries its end
		ev.EndTime = nil
	case EventEnd, "":
		ev.Event = EventEnd
		if ev.EndTime == nil {
			return fmt.Errorf("end event of span %s has no end_time", ev.SpanID)
		}
	default:
		return fmt.Errorf("unknown event %q, want start or end", ev.Event)
	}
	return nil
}

// groupByTrace splits events per trace, keeping file order within each trace
// and the order of first appearance across traces.
func groupByTrace(events []*Event) [][]*Event {
	index := make(map[string]int)
	groups := make([][]*Event, 0)
	for _, ev := range events {
		i, ok := index[ev.TraceID]
		if !ok {
			i = len(groups)
			index[ev.TraceID] = i
			groups = append(groups, make([]*Event, 0))
		}
		groups[i] = append(groups[i], ev)
	}
	return groups
}

// endedSpans are the spans of the end events, in file order.
func endedSpans(events []*Event) []*tracer.Span {
	spans := make([]*tracer.Span, 0, len(events))
	for _, ev := range events {
		if ev.Event == EventEnd {
			spans = append(spans, &ev.Span)
		}
	}
	return spans
}
