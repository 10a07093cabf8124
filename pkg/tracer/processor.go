package tracer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stleox/runspan/pkg/config"
)

// Option customizes a CollapsingProcessor.
type Option func(*CollapsingProcessor)

// WithIDGenerator replaces the random synthetic span id source.
func WithIDGenerator(gen func() string) Option {
	return func(p *CollapsingProcessor) { p.newID = gen }
}

// WithRegisterer registers the processor metrics on reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *CollapsingProcessor) { p.registerer = reg }
}

// CollapsingProcessor turns the raw span stream of agent-graph executions into
// a run span plus the spans doing real work.
//
// Per trace it moves from unseen to awaiting the root end to completed. The
// first root, node or leaf span opens the run; traces whose spans carry no
// signal at all are passed through untouched.
type CollapsingProcessor struct {
	cfg        *config.Config
	classifier *Classifier
	resolver   *Resolver
	store      *StateStore
	sink       Sink
	metrics    *Metrics
	registerer prometheus.Registerer
	newID      func() string

	// pure passthrough: disabled or unusable classifier
	bypass bool
	closed atomic.Bool
}

// NewCollapsingProcessor wires a processor. store may be nil, in which case
// one is built from cfg.
func NewCollapsingProcessor(cfg *config.Config, store *StateStore, sink Sink, opts ...Option) (*CollapsingProcessor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if sink == nil {
		return nil, errors.New("collapsing processor needs a sink")
	}
	if store == nil {
		var err error
		store, err = NewStateStore(cfg.MaxTraces, cfg.MaxFinishedTraces, WithIdleTimeout(cfg.IdleTimeout()))
		if err != nil {
			return nil, fmt.Errorf("creating trace state store: %w", err)
		}
	}

	p := &CollapsingProcessor{
		cfg:        cfg,
		classifier: NewClassifier(cfg),
		store:      store,
		sink:       sink,
		newID:      newSpanID,
	}
	if cfg.FilterMode() {
		p.resolver = NewResolver(cfg.ExternalParentID)
	} else {
		p.resolver = NewResolver("")
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registerer == nil {
		p.registerer = prometheus.NewRegistry()
	}
	p.metrics = NewMetrics(p.registerer, func() float64 { return float64(p.store.Len()) })
	store.SetEvictHook(func(_ *TraceState, reason string) {
		p.metrics.TracesEvicted.WithLabelValues(reason).Inc()
	})

	switch {
	case !cfg.Enabled:
		p.bypass = true
		logrus.Info("span collapsing disabled, passing every span through")
	case !p.classifier.Usable():
		p.bypass = true
		logrus.Warn("leaf_kind_allowlist is empty, passing every span through")
	}
	return p, nil
}

func (p *CollapsingProcessor) Metrics() *Metrics {
	return p.metrics
}

func (p *CollapsingProcessor) Store() *StateStore {
	return p.store
}

func (p *CollapsingProcessor) passthrough() bool {
	return p.bypass || p.closed.Load()
}

// OnSpanStart observes a span that just started. Only the synthetic running
// span can be sent from here.
func (p *CollapsingProcessor) OnSpanStart(ctx context.Context, s *Span) error {
	if s == nil || p.passthrough() {
		return nil
	}
	return p.observe(ctx, s, p.classifier.Classify(s), false)
}

// OnSpanEnd observes a finished span. The only error returned is a failed send
// to the sink.
func (p *CollapsingProcessor) OnSpanEnd(ctx context.Context, s *Span) error {
	if s == nil {
		return nil
	}
	if p.passthrough() {
		return p.forward(ctx, s, RoleUnrelated)
	}
	role := p.classifier.Classify(s)
	p.metrics.SpansReceived.WithLabelValues(role.String()).Inc()
	return p.observe(ctx, s, role, true)
}

func (p *CollapsingProcessor) observe(ctx context.Context, s *Span, role Role, ended bool) error {
	// a state can be evicted between lookup and lock; look up once more
	for attempt := 0; attempt < 2; attempt++ {
		st, ok := p.store.Get(s.TraceID)
		if !ok {
			if fin, ok := p.store.Finished(s.TraceID); ok {
				return p.late(ctx, fin, s, role, ended)
			}
			if role == RoleUnrelated || (role != RoleRoot && p.store.Passthrough(s.TraceID)) {
				return p.untracked(ctx, s, role, ended)
			}
			var created bool
			if st, created = p.store.GetOrCreate(s.TraceID); created {
				// a root turns a trace seen so far as plain traffic into a run
				p.store.ClearPassthrough(s.TraceID)
			}
		}

		st.mu.Lock()
		if st.evicted.Load() {
			st.mu.Unlock()
			continue
		}
		err := p.apply(ctx, st, s, role, ended)
		st.mu.Unlock()
		return err
	}
	if ended {
		return p.forward(ctx, s, role)
	}
	return nil
}

// untracked forwards a span of a trace without a run. Such traces never hold
// a slot of max_traces. Once the entry span of a trace shows up before any
// signal, the trace is marked and only a root can still open a run in it.
func (p *CollapsingProcessor) untracked(ctx context.Context, s *Span, role Role, ended bool) error {
	if s.ParentID == "" && !p.store.Passthrough(s.TraceID) {
		p.store.MarkPassthrough(s.TraceID)
		logrus.WithField("trace_id", s.TraceID).Debug("no agent-graph signal, passing trace through")
	}
	if ended {
		return p.forward(ctx, s, role)
	}
	return nil
}

// apply runs one event against an active state. The caller holds st.mu.
func (p *CollapsingProcessor) apply(ctx context.Context, st *TraceState, s *Span, role Role, ended bool) error {
	st.touch(p.store.now())

	if st.getMode() == modeUnseen {
		if role == RoleUnrelated {
			// the recognized span that created st has not been applied yet
			if ended {
				return p.forward(ctx, s, role)
			}
			return nil
		}
		p.begin(st, s)
	}

	switch {
	case role == RoleRoot && st.RootID == "":
		return errors.Join(p.attachRoot(ctx, st, s), p.rootEvent(ctx, st, s, ended))
	case role == RoleRoot && s.SpanID == st.RootID:
		return p.rootEvent(ctx, st, s, ended)
	case role == RoleRoot, role == RoleNode:
		// a root-named span below the root is a nested graph: collapse it too
		p.resolver.Record(st, s.SpanID, s.ParentID)
		if ended {
			p.metrics.SpansCollapsed.Inc()
		}
		return nil
	default:
		st.Surviving[s.SpanID] = struct{}{}
		if !ended {
			return nil
		}
		return p.forwardReparented(ctx, st, s, role)
	}
}

func (p *CollapsingProcessor) rootEvent(ctx context.Context, st *TraceState, root *Span, ended bool) error {
	st.root = root
	if !ended {
		return nil
	}
	p.metrics.SpansCollapsed.Inc()
	return p.complete(ctx, st, root)
}

// begin turns an unseen trace into a collapsing one on its first recognized
// span, which need not be the root: children may finish before the root is
// ever seen.
func (p *CollapsingProcessor) begin(st *TraceState, first *Span) {
	st.setMode(modeCollapsing)
	st.SyntheticID = p.newID()
	st.StartTime = first.StartTime

	logrus.WithFields(logrus.Fields{
		"trace_id":     st.TraceID,
		"synthetic_id": st.SyntheticID,
		"first_span":   first.Name,
	}).Debug("run started")
}

// attachRoot adopts root as the run root and announces the run unless a leaf
// already did.
func (p *CollapsingProcessor) attachRoot(ctx context.Context, st *TraceState, root *Span) error {
	st.RootID = root.SpanID
	st.root = root
	if root.StartTime.Before(st.StartTime) {
		st.StartTime = root.StartTime
	}
	st.Reparent[root.SpanID] = p.resolver.Top(st)

	logrus.WithFields(logrus.Fields{
		"trace_id":     st.TraceID,
		"root_id":      st.RootID,
		"synthetic_id": st.SyntheticID,
	}).Debug("run root seen")
	return p.emitRunning(ctx, st)
}

// emitRunning sends the running run span once. A failed send is retried on the
// next forwarded span.
func (p *CollapsingProcessor) emitRunning(ctx context.Context, st *TraceState) error {
	if st.RunningEmitted || p.cfg.FilterMode() {
		return nil
	}
	if err := p.emitSynthetic(ctx, p.synthesize(st, config.RunStateRunning)); err != nil {
		return err
	}
	st.RunningEmitted = true
	return nil
}

// complete emits the completed run span and retires the trace state.
func (p *CollapsingProcessor) complete(ctx context.Context, st *TraceState, root *Span) error {
	st.CompletedEmitted = true
	p.store.Evict(st.TraceID)

	logrus.WithFields(logrus.Fields{
		"trace_id":     st.TraceID,
		"synthetic_id": st.SyntheticID,
		"status":       root.Status.String(),
	}).Debug("run completed")

	if p.cfg.FilterMode() {
		return nil
	}
	return p.emitSynthetic(ctx, p.synthesize(st, config.RunStateCompleted))
}

// late handles spans of a trace whose state already completed or was swept.
func (p *CollapsingProcessor) late(ctx context.Context, st *TraceState, s *Span, role Role, ended bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	log := logrus.WithFields(logrus.Fields{
		"trace_id": st.TraceID,
		"span_id":  s.SpanID,
		"name":     s.Name,
	})
	switch {
	case role == RoleRoot && s.SpanID == st.RootID:
		if !ended {
			return nil
		}
		if st.CompletedEmitted {
			log.Debug("duplicate root end ignored")
		} else {
			log.Debug("root ended after its trace state was evicted, no completed run span")
		}
		return nil
	case role == RoleRoot, role == RoleNode:
		p.resolver.Record(st, s.SpanID, s.ParentID)
		if ended {
			p.metrics.SpansCollapsed.Inc()
		}
		return nil
	default:
		st.Surviving[s.SpanID] = struct{}{}
		if !ended {
			return nil
		}
		log.Debug("span ended after its run, forwarding late")
		return p.forwardReparented(ctx, st, s, role)
	}
}

// forwardReparented sends s under its nearest surviving ancestor. The run span
// goes out first if it has not yet.
func (p *CollapsingProcessor) forwardReparented(ctx context.Context, st *TraceState, s *Span, role Role) error {
	if role == RoleUnrelated && s.ParentID == "" {
		// the trace's own entry span, e.g. the request that started the run
		return p.forward(ctx, s, role)
	}
	parent, orphan := p.resolver.Resolve(st, s.ParentID)
	if orphan {
		p.metrics.Orphans.Inc()
	}
	runErr := p.emitRunning(ctx, st)
	out := s.Clone()
	out.ParentID = parent
	return errors.Join(runErr, p.forward(ctx, out, role))
}

// synthesize builds one emission of the run span. The caller holds st.mu.
func (p *CollapsingProcessor) synthesize(st *TraceState, state string) *Span {
	return synthesizeRun(p.cfg, st, state, p.store.now())
}

// synthesizeRun builds the run span of st; now is the end time used when the
// root carries none. Before the root is seen the span is named after the
// first configured root name and carries no root attributes.
func synthesizeRun(cfg *config.Config, st *TraceState, state string, now time.Time) *Span {
	root := st.root
	name := cfg.SyntheticSpanName
	var (
		kind  string
		attrs Attributes
	)
	if root != nil {
		if name == "" {
			name = root.Name
		}
		kind = root.Kind
		attrs = root.Attributes.Clone()
	}
	if name == "" && len(cfg.RootNames) > 0 {
		name = cfg.RootNames[0]
	}
	if attrs == nil {
		attrs = make(Attributes, 3)
	}
	attrs[config.AttrSynthetic] = true
	attrs[config.AttrRunState] = state
	if st.RootID != "" {
		attrs[config.AttrRootSpanID] = st.RootID
	}

	out := &Span{
		TraceID:    st.TraceID,
		SpanID:     st.SyntheticID,
		ParentID:   cfg.ExternalParentID,
		Name:       name,
		Kind:       kind,
		StartTime:  st.StartTime,
		Status:     StatusUnset,
		Attributes: attrs,
	}
	if state == config.RunStateCompleted {
		end := now
		if root != nil && root.EndTime != nil {
			end = *root.EndTime
		}
		if end.Before(st.StartTime) {
			end = st.StartTime
		}
		out.EndTime = &end
		out.Status = StatusOK
		if root != nil && root.Status == StatusError {
			out.Status = StatusError
			out.StatusDescription = root.StatusDescription
		}
	}
	return out
}

func (p *CollapsingProcessor) emitSynthetic(ctx context.Context, s *Span) error {
	if err := p.send(ctx, s); err != nil {
		return err
	}
	state, _ := s.Attributes.String(config.AttrRunState)
	p.metrics.SyntheticSpans.WithLabelValues(state).Inc()
	return nil
}

func (p *CollapsingProcessor) forward(ctx context.Context, s *Span, role Role) error {
	if err := p.send(ctx, s); err != nil {
		return err
	}
	p.metrics.SpansForwarded.WithLabelValues(role.String()).Inc()
	return nil
}

func (p *CollapsingProcessor) send(ctx context.Context, s *Span) error {
	if err := p.sink.Send(ctx, s); err != nil {
		p.metrics.SinkErrors.Inc()
		return fmt.Errorf("sending span %s of trace %s: %w", s.SpanID, s.TraceID, err)
	}
	return nil
}

// Sweep evicts trace states idle for longer than idle_eviction_seconds.
func (p *CollapsingProcessor) Sweep() int {
	idle := p.cfg.IdleTimeout()
	if idle <= 0 {
		return 0
	}
	n := p.store.Sweep(idle)
	if n > 0 {
		logrus.WithField("count", n).Info("swept idle traces without a completed run span")
	}
	return n
}

// Shutdown discards every unfinished trace without synthesizing completed
// spans. Spans arriving afterwards are passed through unchanged.
func (p *CollapsingProcessor) Shutdown(_ context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	if n := p.store.Reset(); n > 0 {
		logrus.WithField("count", n).Info("discarded unfinished traces on shutdown")
	}
	return nil
}
