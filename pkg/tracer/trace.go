package tracer

import (
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/stleox/runspan/pkg/config"
)

// Assembler is the offline counterpart of CollapsingProcessor: it collapses a
// complete in-memory span list in several passes, so no parent is ever an
// orphan.
type Assembler struct {
	cfg        *config.Config
	classifier *Classifier
	newID      func() string
}

func NewAssembler(cfg *config.Config) *Assembler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Assembler{cfg: cfg, classifier: NewClassifier(cfg), newID: newSpanID}
}

// Assemble returns the collapsed output of spans, trace by trace in order of
// first appearance. Input spans are never modified.
func (a *Assembler) Assemble(spans []*Span) []*Span {
	if !a.cfg.Enabled || !a.classifier.Usable() {
		return spans
	}

	order := make([]string, 0)
	byTrace := make(map[string][]*Span)
	for _, s := range spans {
		if _, ok := byTrace[s.TraceID]; !ok {
			order = append(order, s.TraceID)
		}
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}

	out := make([]*Span, 0, len(spans))
	for _, traceID := range order {
		out = append(out, a.assembleTrace(byTrace[traceID])...)
	}
	return out
}

func (a *Assembler) assembleTrace(spans []*Span) []*Span {
	// pass 1: classify, pick the earliest root
	sorted := make([]*Span, len(spans))
	copy(sorted, spans)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})
	roles := make(map[string]Role, len(sorted))
	var root *Span
	for _, s := range sorted {
		role := a.classifier.Classify(s)
		if role == RoleRoot && root == nil {
			root = s
		} else if role == RoleRoot {
			// nested graph
			role = RoleNode
		}
		roles[s.SpanID] = role
	}
	if root == nil {
		return spans
	}

	st := newTraceState(root.TraceID, root.StartTime)
	st.RootID = root.SpanID
	st.SyntheticID = a.newID()
	st.StartTime = root.StartTime
	st.root = root
	resolver := NewResolver("")
	if a.cfg.FilterMode() {
		resolver = NewResolver(a.cfg.ExternalParentID)
	}

	// pass 2: full parent index, then the reparent map for every collapsed span
	parents := make(map[string]string, len(sorted))
	for _, s := range sorted {
		parents[s.SpanID] = s.ParentID
		if roles[s.SpanID] == RoleLeaf || roles[s.SpanID] == RoleUnrelated {
			st.Surviving[s.SpanID] = struct{}{}
		}
	}
	st.Reparent[root.SpanID] = resolver.Top(st)
	for _, s := range sorted {
		if roles[s.SpanID] == RoleNode {
			a.resolveNode(st, resolver, parents, roles, s.SpanID)
		}
	}

	// pass 3: emit
	out := make([]*Span, 0, len(spans)+2)
	filter := a.cfg.FilterMode()
	if !filter {
		out = append(out, synthesizeRun(a.cfg, st, config.RunStateRunning, root.StartTime))
	}
	for _, s := range spans {
		switch roles[s.SpanID] {
		case RoleRoot, RoleNode:
			continue
		}
		parent, orphan := resolver.Resolve(st, s.ParentID)
		if orphan {
			logrus.WithFields(logrus.Fields{
				"trace_id":  s.TraceID,
				"span_id":   s.SpanID,
				"parent_id": s.ParentID,
			}).Debug("parent missing from the span list")
		}
		c := s.Clone()
		c.ParentID = parent
		out = append(out, c)
	}
	if !filter && root.Ended() {
		out = append(out, synthesizeRun(a.cfg, st, config.RunStateCompleted, *root.EndTime))
	}
	return out
}

// resolveNode fills st.Reparent for id and its collapsed ancestors, root first.
func (a *Assembler) resolveNode(st *TraceState, resolver *Resolver, parents map[string]string, roles map[string]Role, id string) {
	chain := make([]string, 0)
	for cur := id; cur != "" && len(chain) < maxResolveDepth; cur = parents[cur] {
		if _, done := st.Reparent[cur]; done {
			break
		}
		if roles[cur] != RoleNode {
			break
		}
		chain = append(chain, cur)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		resolver.Record(st, chain[i], parents[chain[i]])
	}
}
