package tracer

import (
	"github.com/sirupsen/logrus"
)

// bound on map hops, guards against parent cycles in malformed input
const maxResolveDepth = 64

// Resolver finds the nearest surviving ancestor of a span within one trace.
type Resolver struct {
	// externalParentID replaces the synthetic span as the top of every trace
	// in filter mode
	externalParentID string
}

func NewResolver(externalParentID string) *Resolver {
	return &Resolver{externalParentID: externalParentID}
}

// Top is the id every chain ends at: the synthetic span, or the external
// parent in filter mode.
func (r *Resolver) Top(st *TraceState) string {
	if r.externalParentID != "" {
		return r.externalParentID
	}
	return st.SyntheticID
}

// Resolve maps originalParentID to the effective parent a forwarded span must
// point at. orphan is true when the parent has not been seen yet; the span is
// then provisionally hung under Top and never corrected afterwards.
//
// The caller holds st.mu.
func (r *Resolver) Resolve(st *TraceState, originalParentID string) (effective string, orphan bool) {
	top := r.Top(st)
	cur := originalParentID
	for depth := 0; depth < maxResolveDepth; depth++ {
		switch {
		case cur == "", cur == st.RootID:
			return top, false
		case cur == top, cur == st.SyntheticID:
			return cur, false
		}
		if next, ok := st.Reparent[cur]; ok {
			if next == cur {
				break
			}
			cur = next
			continue
		}
		if _, ok := st.Surviving[cur]; ok {
			return cur, false
		}
		if depth == 0 {
			logrus.WithFields(logrus.Fields{
				"trace_id":  st.TraceID,
				"parent_id": originalParentID,
			}).Debug("parent not seen yet, reparenting to the run span")
			return top, true
		}
		// reached through the map: a span outside the collapsed set
		return cur, false
	}
	logrus.WithFields(logrus.Fields{
		"trace_id":  st.TraceID,
		"parent_id": originalParentID,
	}).Debug("parent chain did not terminate, reparenting to the run span")
	return top, true
}

// Record stores the effective parent of a collapsed span so its descendants
// can chain through it. The caller holds st.mu.
func (r *Resolver) Record(st *TraceState, spanID, originalParentID string) string {
	effective, _ := r.Resolve(st, originalParentID)
	st.Reparent[spanID] = effective
	return effective
}
