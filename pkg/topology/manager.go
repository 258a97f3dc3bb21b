package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// Manager owns a live topology: the catalog of node types and the node
// tree. It implements engine.ChildFactory and engine.StateTransformer.
type Manager struct {
	// mu protects the manager state.
	mu sync.RWMutex

	// types maps catalog references to node types.
	types map[string]*NodeType

	// nodes maps node IDs to nodes.
	nodes map[string]*Node

	// root is the root of the tree, nil before Deploy or Restore.
	root *Node

	// partial reports whether TransformPartial is available.
	partial bool

	logger zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPartialTransform enables or disables in-place catalog rewrites.
// It is enabled by default.
func WithPartialTransform(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.partial = enabled
	}
}

// NewManager creates an empty topology.
func NewManager(logger zerolog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		types:   make(map[string]*NodeType),
		nodes:   make(map[string]*Node),
		partial: true,
		logger:  logger.With().Str("component", "topology").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterType adds a node type to the catalog, replacing any type with the
// same reference.
func (m *Manager) RegisterType(t *NodeType) error {
	if err := t.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[t.Ref()] = t
	return nil
}

// Type returns the node type registered under ref.
func (m *Manager) Type(ref string) (*NodeType, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.types[ref]
	return t, ok
}

// Types returns the registered node types sorted by reference.
func (m *Manager) Types() []*NodeType {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NodeType, 0, len(m.types))
	for _, t := range m.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref() < out[j].Ref() })
	return out
}

// Root returns the root node, or nil.
func (m *Manager) Root() *Node {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.root
}

// Node returns the node with the given ID.
func (m *Manager) Node(id string) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok
}

// Len returns the number of live nodes.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

// Deploy instantiates a new live tree from desired and makes it the root.
// It fails if a tree is already deployed.
func (m *Manager) Deploy(ctx context.Context, desired *engine.DesiredNode) (*Node, error) {
	if desired == nil {
		return nil, fmt.Errorf("desired root is required")
	}
	if m.Root() != nil {
		return nil, fmt.Errorf("topology already has a root: %s", m.Root().ID())
	}
	root, err := m.instantiate(ctx, nil, desired)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy: %w", err)
	}
	m.mu.Lock()
	m.root = root
	m.mu.Unlock()
	m.logger.Info().Str("root", root.ID()).Int("nodes", m.Len()).Msg("Deployed topology")
	return root, nil
}

// CreateChild implements engine.ChildFactory. The desired sub-tree is
// instantiated recursively and identity tokens are kept.
func (m *Manager) CreateChild(ctx context.Context, parent engine.LiveNode, desired *engine.DesiredNode) (engine.LiveNode, error) {
	p, ok := m.Node(parent.ID())
	if !ok {
		return nil, fmt.Errorf("parent %s is not part of this topology", parent.ID())
	}
	child, err := m.instantiate(ctx, p, desired)
	if err != nil {
		return nil, err
	}
	m.logger.Debug().Str("parent", p.ID()).Str("child", child.ID()).Msg("Created child")
	return child, nil
}

// instantiate creates a node for desired under parent, then its children.
// A failure leaves the nodes created so far attached.
func (m *Manager) instantiate(ctx context.Context, parent *Node, desired *engine.DesiredNode) (*Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var nodeType *NodeType
	if desired.CatalogRef != "" {
		if _, err := engine.ParseCatalogRef(desired.CatalogRef); err != nil {
			return nil, err
		}
		nodeType, _ = m.Type(desired.CatalogRef)
	}

	n := newNode(uuid.New().String(), desired.Name, nodeType, desired.CatalogRef)
	config := engine.MergedConfig(n, desired)
	for _, key := range engine.SortedKeys(config) {
		if err := n.SetConfig(key, config[key]); err != nil {
			return nil, fmt.Errorf("failed to configure %s: %w", desired, err)
		}
	}

	m.attach(parent, n)
	for _, c := range desired.Children {
		if _, err := m.instantiate(ctx, n, c); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (m *Manager) attach(parent, n *Node) {
	m.mu.Lock()
	m.nodes[n.id] = n
	m.mu.Unlock()
	if parent == nil {
		return
	}
	parent.mu.Lock()
	parent.children = append(parent.children, n)
	parent.mu.Unlock()
	n.mu.Lock()
	n.parent = parent
	n.mu.Unlock()
}

// SupportsPartialTransform implements engine.StateTransformer.
func (m *Manager) SupportsPartialTransform() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.partial
}

// TransformPartial implements engine.StateTransformer. It rewrites the
// catalog reference of one node and rebinds its type when the new
// reference is registered. The node's current reference must equal the
// change's old reference.
func (m *Manager) TransformPartial(ctx context.Context, nodeID string, change engine.CatalogChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, ok := m.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	newRef := change.New().String()
	newType, _ := m.Type(newRef)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.catalogRef != change.Old().String() {
		return engine.NewConflictError(
			fmt.Sprintf("catalog reference is %s, expected %s", n.catalogRef, change.Old()), nil).
			WithNode(nodeID).
			WithOperation("transform")
	}
	n.catalogRef = newRef
	n.nodeType = newType
	m.logger.Info().
		Str("node", nodeID).
		Str("from", change.Old().String()).
		Str("to", newRef).
		Bool("type_bound", newType != nil).
		Msg("Rewrote catalog reference")
	return nil
}
