package engine

import (
	"context"
	"errors"
	"fmt"
)

// fakeNode is an in-memory LiveNode.
type fakeNode struct {
	id       string
	ref      string
	config   map[string]interface{}
	defaults map[string]interface{}
	aliases  map[string]string
	children []LiveNode
	reject   map[string]bool
}

func newFakeNode(id, token string, children ...LiveNode) *fakeNode {
	n := &fakeNode{id: id, config: map[string]interface{}{}, children: children}
	if token != "" {
		n.config[IdentityConfigKey] = token
	}
	return n
}

func (n *fakeNode) ID() string         { return n.id }
func (n *fakeNode) CatalogRef() string { return n.ref }
func (n *fakeNode) IdentityToken() string {
	s, _ := n.config[IdentityConfigKey].(string)
	return s
}

func (n *fakeNode) LocalConfig() map[string]interface{} {
	cp := make(map[string]interface{}, len(n.config))
	for k, v := range n.config {
		cp[k] = v
	}
	return cp
}

func (n *fakeNode) FlagAliases() map[string]string { return n.aliases }
func (n *fakeNode) Children() []LiveNode           { return n.children }

func (n *fakeNode) SetConfig(key string, value interface{}) error {
	if n.reject[key] {
		return fmt.Errorf("cannot coerce %v for %s", value, key)
	}
	n.config[key] = value
	return nil
}

func (n *fakeNode) ClearLocalConfig() { n.config = map[string]interface{}{} }

// get resolves a key the way a real node does: local value, then default.
func (n *fakeNode) get(key string) interface{} {
	if v, ok := n.config[key]; ok {
		return v
	}
	return n.defaults[key]
}

func (n *fakeNode) withRef(ref string) *fakeNode {
	n.ref = ref
	return n
}

func (n *fakeNode) addChild(c LiveNode) {
	n.children = append(n.children, c)
}

// desired builds a desired node carrying an identity token.
func desired(name, token string, children ...*DesiredNode) *DesiredNode {
	d := &DesiredNode{Name: name, Config: map[string]interface{}{}, Children: children}
	if token != "" {
		d.Config[IdentityConfigKey] = token
	}
	return d
}

// recordingCallback records every callback invocation as a string.
type recordingCallback struct {
	events []string
}

func (r *recordingCallback) OnMatch(live LiveNode, d *DesiredNode) {
	r.events = append(r.events, "match "+live.ID()+" "+d.Name)
}

func (r *recordingCallback) UnmatchedLive(live LiveNode) {
	r.events = append(r.events, "unmatched-live "+live.ID())
}

func (r *recordingCallback) UnmatchedDesired(d *DesiredNode, parent LiveNode) {
	r.events = append(r.events, "unmatched-desired "+d.Name+" under "+parent.ID())
}

// mockChildFactory creates fake children.
type mockChildFactory struct {
	calls int
	err   error
}

func (m *mockChildFactory) CreateChild(_ context.Context, parent LiveNode, d *DesiredNode) (LiveNode, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	child := newFakeNode(fmt.Sprintf("%s-child-%d", parent.ID(), m.calls), d.IdentityToken())
	parent.(*fakeNode).addChild(child)
	return child, nil
}

// mockTransformer rewrites catalog references of fake nodes.
type mockTransformer struct {
	partial bool
	nodes   map[string]*fakeNode
	calls   int
	err     error
}

func newMockTransformer(nodes ...*fakeNode) *mockTransformer {
	t := &mockTransformer{partial: true, nodes: map[string]*fakeNode{}}
	for _, n := range nodes {
		t.nodes[n.id] = n
	}
	return t
}

func (m *mockTransformer) SupportsPartialTransform() bool { return m.partial }

func (m *mockTransformer) TransformPartial(_ context.Context, nodeID string, change CatalogChange) error {
	m.calls++
	if m.err != nil {
		return m.err
	}
	n, ok := m.nodes[nodeID]
	if !ok {
		return errors.New("unknown node " + nodeID)
	}
	n.ref = change.New().String()
	return nil
}
