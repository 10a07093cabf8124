package tracer

import (
	"strings"

	"github.com/stleox/runspan/pkg/config"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Role is what a span means to the collapsing processor.
type Role int

const (
	RoleUnrelated Role = iota
	RoleRoot
	RoleNode
	RoleLeaf
)

func (r Role) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleNode:
		return "node"
	case RoleLeaf:
		return "leaf"
	default:
		return "unrelated"
	}
}

// Classifier maps a span to its Role from the span alone.
type Classifier struct {
	rootNames    sets.Set[string]
	nodeNames    sets.Set[string]
	nodePrefixes []string
	nodeMarker   string
	leafKinds    sets.Set[string]
}

func NewClassifier(cfg *config.Config) *Classifier {
	leafKinds := sets.New[string]()
	for _, kind := range cfg.LeafKindAllowlist {
		if kind = strings.TrimSpace(kind); kind != "" {
			leafKinds.Insert(strings.ToLower(kind))
		}
	}
	prefixes := make([]string, 0, len(cfg.NodeNamePrefixes))
	for _, p := range cfg.NodeNamePrefixes {
		if p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return &Classifier{
		rootNames:    sets.New[string](cfg.RootNames...),
		nodeNames:    sets.New[string](cfg.NodeNameSet...),
		nodePrefixes: prefixes,
		nodeMarker:   cfg.NodeMarkerAttributeKey,
		leafKinds:    leafKinds,
	}
}

// Usable is false when no span could ever be classified as LEAF; the
// processor then degrades to passthrough instead of dropping real work.
func (c *Classifier) Usable() bool {
	return c.leafKinds.Len() > 0
}

// Classify checks ROOT first, then LEAF, then NODE, so a span carrying both a
// work kind and a bookkeeping signal is kept.
func (c *Classifier) Classify(s *Span) Role {
	if s == nil {
		return RoleUnrelated
	}
	if c.rootNames.Has(s.Name) {
		return RoleRoot
	}
	if c.isLeaf(s) {
		return RoleLeaf
	}
	if c.isNode(s) {
		return RoleNode
	}
	return RoleUnrelated
}

func (c *Classifier) isLeaf(s *Span) bool {
	if s.Kind == "" {
		return false
	}
	return c.leafKinds.Has(strings.ToLower(s.Kind))
}

func (c *Classifier) isNode(s *Span) bool {
	if c.nodeNames.Has(s.Name) {
		return true
	}
	for _, p := range c.nodePrefixes {
		if strings.HasPrefix(s.Name, p) {
			return true
		}
	}
	return s.Attributes.Flag(c.nodeMarker)
}
