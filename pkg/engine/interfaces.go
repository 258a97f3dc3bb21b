package engine

import (
	"context"
)

// MatchCallback receives the outcomes of a matching pass.
// The matcher invokes it synchronously, in depth-first order.
type MatchCallback interface {
	// OnMatch is called when a live node is paired with a desired node.
	OnMatch(live LiveNode, desired *DesiredNode)

	// UnmatchedLive is called for a live node that has no desired counterpart.
	UnmatchedLive(live LiveNode)

	// UnmatchedDesired is called for a desired node that should exist under
	// parent but has no live counterpart.
	UnmatchedDesired(desired *DesiredNode, parent LiveNode)
}

// ConfigCanonicalizer is implemented by live nodes that convert values
// when storing them. Comparison mode compares desired values in the stored
// form, so a value the node already holds in converted form is not set
// again.
type ConfigCanonicalizer interface {
	// CanonicalConfig returns value as SetConfig would store it under key.
	CanonicalConfig(key string, value interface{}) (interface{}, error)
}

// ChildFactory instantiates live nodes from desired nodes.
// It is used by AddChild modifications.
type ChildFactory interface {
	// CreateChild creates a live child of parent from desired and attaches it.
	CreateChild(ctx context.Context, parent LiveNode, desired *DesiredNode) (LiveNode, error)
}

// StateTransformer rewrites persisted node state while the node is live.
// It is used by ChangeCatalogReference modifications.
type StateTransformer interface {
	// SupportsPartialTransform reports whether the environment can rewrite
	// the state of a single node in place.
	SupportsPartialTransform() bool

	// TransformPartial rewrites the catalog reference of the node with the given ID.
	TransformPartial(ctx context.Context, nodeID string, change CatalogChange) error
}

// Collaborators bundles the external systems that modifications call into.
type Collaborators struct {
	// Children creates live children for AddChild modifications.
	Children ChildFactory

	// Transformer rewrites catalog references for ChangeCatalogReference modifications.
	Transformer StateTransformer
}
