package topology

import (
	"fmt"
	"sort"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// Snapshot returns the persisted form of every node, parents before
// children, siblings in order.
func (m *Manager) Snapshot() []NodeState {
	root := m.Root()
	if root == nil {
		return nil
	}
	var out []NodeState
	var walk func(n *Node, parentID string, pos int)
	walk = func(n *Node, parentID string, pos int) {
		state := NodeState{
			ID:         n.ID(),
			ParentID:   parentID,
			Position:   pos,
			Name:       n.Name(),
			CatalogRef: n.CatalogRef(),
		}
		local := n.LocalConfig()
		if len(local) > 0 {
			state.Config = make(map[string]interface{}, len(local))
			for k, v := range local {
				state.Config[k] = encodeRaw(v)
			}
		}
		out = append(out, state)
		for i, c := range n.ChildNodes() {
			walk(c, n.ID(), i)
		}
	}
	walk(root, "", 0)
	return out
}

// Restore replaces the tree with the given node states. Exactly one state
// must have no parent. Catalog references are bound to registered types.
func (m *Manager) Restore(states []NodeState) error {
	nodes := make(map[string]*Node, len(states))
	var rootState *NodeState
	for i := range states {
		s := &states[i]
		if _, dup := nodes[s.ID]; dup {
			return fmt.Errorf("duplicate node %s", s.ID)
		}
		if s.ParentID == "" {
			if rootState != nil {
				return fmt.Errorf("multiple roots: %s and %s", rootState.ID, s.ID)
			}
			rootState = s
		}
		nodeType, _ := m.Type(s.CatalogRef)
		n := newNode(s.ID, s.Name, nodeType, s.CatalogRef)
		for k, raw := range s.Config {
			v, err := engine.DecodeValue(raw)
			if err != nil {
				return fmt.Errorf("node %s: key %s: %w", s.ID, k, err)
			}
			prepared, err := n.prepare(k, v)
			if err != nil {
				return fmt.Errorf("failed to restore: %w", err)
			}
			n.config[k] = prepared
		}
		nodes[s.ID] = n
	}
	if len(states) > 0 && rootState == nil {
		return fmt.Errorf("no root node")
	}

	ordered := append([]NodeState(nil), states...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })
	for _, s := range ordered {
		if s.ParentID == "" {
			continue
		}
		parent, ok := nodes[s.ParentID]
		if !ok {
			return fmt.Errorf("node %s: unknown parent %s", s.ID, s.ParentID)
		}
		child := nodes[s.ID]
		child.parent = parent
		parent.children = append(parent.children, child)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = nodes
	m.root = nil
	if rootState != nil {
		m.root = nodes[rootState.ID]
	}
	return nil
}

// Reset removes every node. Registered types are kept.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = make(map[string]*Node)
	m.root = nil
}

func encodeRaw(v interface{}) interface{} {
	if ref, ok := v.(ConfigRef); ok {
		return map[string]interface{}{RefKey: ref.Key}
	}
	return engine.EncodeValue(v)
}
