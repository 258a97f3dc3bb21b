package topology

import (
	"fmt"
	"sync"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// RefKey marks a deferred config reference: {"$ref": "other.key"}.
const RefKey = "$ref"

// maxRefDepth bounds chains of deferred references.
const maxRefDepth = 16

// Deferred is a raw config value resolved when it is read.
type Deferred interface {
	Resolve(n *Node, depth int) (interface{}, error)
}

// ConfigRef is a deferred value reading another key of the same node,
// following inheritance and defaults.
type ConfigRef struct {
	Key string `json:"$ref" yaml:"$ref"`
}

// Resolve implements Deferred.
func (r ConfigRef) Resolve(n *Node, depth int) (interface{}, error) {
	if depth >= maxRefDepth {
		return nil, fmt.Errorf("config reference chain too deep at %s", r.Key)
	}
	return n.get(r.Key, depth+1)
}

func (r ConfigRef) String() string {
	return "$ref(" + r.Key + ")"
}

// Node is a live node. It implements engine.LiveNode.
type Node struct {
	mu         sync.RWMutex
	id         string
	name       string
	catalogRef string
	nodeType   *NodeType
	parent     *Node
	children   []*Node
	config     map[string]interface{}
}

func newNode(id, name string, nodeType *NodeType, catalogRef string) *Node {
	return &Node{
		id:         id,
		name:       name,
		catalogRef: catalogRef,
		nodeType:   nodeType,
		config:     make(map[string]interface{}),
	}
}

// ID implements engine.LiveNode.
func (n *Node) ID() string { return n.id }

// Name returns the display name of the node.
func (n *Node) Name() string { return n.name }

// Parent returns the parent node, or nil for the root.
func (n *Node) Parent() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.parent
}

// Type returns the node type, or nil if the node's catalog reference is not registered.
func (n *Node) Type() *NodeType {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodeType
}

// CatalogRef implements engine.LiveNode.
func (n *Node) CatalogRef() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.catalogRef
}

// IdentityToken implements engine.LiveNode.
func (n *Node) IdentityToken() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, _ := n.config[engine.IdentityConfigKey].(string)
	return s
}

// LocalConfig implements engine.LiveNode. Values are raw: deferred values
// are not resolved.
func (n *Node) LocalConfig() map[string]interface{} {
	n.mu.RLock()
	defer n.mu.RUnlock()
	cp := make(map[string]interface{}, len(n.config))
	for k, v := range n.config {
		cp[k] = v
	}
	return cp
}

// FlagAliases implements engine.LiveNode.
func (n *Node) FlagAliases() map[string]string {
	return n.Type().FlagAliases()
}

// Children implements engine.LiveNode.
func (n *Node) Children() []engine.LiveNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]engine.LiveNode, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

// ChildNodes returns the children as *Node.
func (n *Node) ChildNodes() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]*Node(nil), n.children...)
}

// SetConfig implements engine.LiveNode. Values of declared keys are coerced
// to the key type; {"$ref": key} mappings become ConfigRef values.
func (n *Node) SetConfig(key string, value interface{}) error {
	v, err := n.prepare(key, value)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config[key] = v
	return nil
}

// CanonicalConfig implements engine.ConfigCanonicalizer.
func (n *Node) CanonicalConfig(key string, value interface{}) (interface{}, error) {
	return n.prepare(key, value)
}

// ClearLocalConfig implements engine.LiveNode.
func (n *Node) ClearLocalConfig() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config = make(map[string]interface{})
}

func (n *Node) prepare(key string, value interface{}) (interface{}, error) {
	if m, ok := value.(map[string]interface{}); ok && len(m) == 1 {
		if ref, ok := m[RefKey].(string); ok {
			return ConfigRef{Key: ref}, nil
		}
	}
	t := TypeAny
	if k, ok := n.Type().Key(key); ok {
		t = k.Type
	}
	v, err := coerce(t, value)
	if err != nil {
		return nil, fmt.Errorf("node %s: key %s: %w", n.id, key, err)
	}
	return v, nil
}

// Get returns the resolved value of key: the local value, else the value
// of the nearest ancestor if the key is inherited, else the key default.
func (n *Node) Get(key string) (interface{}, error) {
	return n.get(key, 0)
}

func (n *Node) get(key string, depth int) (interface{}, error) {
	raw, owner, found := n.lookup(key)
	if !found {
		return nil, nil
	}
	d, ok := raw.(Deferred)
	if !ok {
		return raw, nil
	}
	v, err := d.Resolve(owner, depth)
	if err != nil {
		return nil, fmt.Errorf("node %s: resolve %s: %w", n.id, key, err)
	}
	return v, nil
}

// lookup finds the raw value of key and the node that holds it.
func (n *Node) lookup(key string) (interface{}, *Node, bool) {
	n.mu.RLock()
	v, ok := n.config[key]
	parent := n.parent
	nodeType := n.nodeType
	n.mu.RUnlock()
	if ok {
		return v, n, true
	}

	inherited := true
	k, declared := nodeType.Key(key)
	if declared {
		inherited = k.Inherited
	}
	for anc := parent; anc != nil && inherited; anc = anc.Parent() {
		anc.mu.RLock()
		v, ok := anc.config[key]
		anc.mu.RUnlock()
		if ok {
			return v, anc, true
		}
	}
	if declared && k.Default != nil {
		return k.Default, n, true
	}
	return nil, nil, false
}

func (n *Node) String() string {
	if n.name != "" {
		return n.name + "{id=" + n.id + "}"
	}
	return "Node{id=" + n.id + "}"
}
