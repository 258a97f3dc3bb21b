package engine

// IdentityConfigKey is the configuration key carrying the cross-version
// identity token of a node. The blueprint author sets it on the desired side;
// the live node keeps the value it was created with.
const IdentityConfigKey = "plan.id"

// LiveNode is a node of the running topology.
// Implementations are owned by the surrounding management system; the engine
// only reads them while matching and mutates them through modifications.
type LiveNode interface {
	// ID returns the opaque unique identifier of the node.
	ID() string

	// CatalogRef returns the "name:version" catalog reference the node was
	// instantiated from, or "" if it has none.
	CatalogRef() string

	// IdentityToken returns the value of IdentityConfigKey, or "" if unset.
	IdentityToken() string

	// LocalConfig returns the locally-set configuration with raw, unresolved values.
	LocalConfig() map[string]interface{}

	// FlagAliases maps config keys declared by the node's type to the legacy
	// flag names that may carry their values.
	FlagAliases() map[string]string

	// Children returns the live children in order.
	Children() []LiveNode

	// SetConfig sets one local configuration entry. It fails if the node
	// rejects the value.
	SetConfig(key string, value interface{}) error

	// ClearLocalConfig removes every locally-set configuration entry.
	ClearLocalConfig()
}

// DesiredNode is a node of a compiled blueprint. It is immutable for the
// duration of a matching pass.
type DesiredNode struct {
	// Name is a display name for descriptions and logs.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// CatalogRef is the "name:version" catalog reference, or "".
	CatalogRef string `json:"catalogRef,omitempty" yaml:"catalogRef,omitempty"`

	// Config is the typed configuration of the node. Values may be nested
	// *DesiredNode sub-specs.
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`

	// Flags holds legacy flag values keyed by flag name.
	Flags map[string]interface{} `json:"flags,omitempty" yaml:"flags,omitempty"`

	// Parameters are the configuration slots declared by the node's type.
	Parameters []ParameterSlot `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Children are the structural children in order.
	Children []*DesiredNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// ParameterSlot is a declared configuration parameter of a desired node.
type ParameterSlot struct {
	// Key is the configuration key of the parameter.
	Key string `json:"key" yaml:"key"`

	// Default is the declared default value, possibly a *DesiredNode.
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`
}

// IdentityToken returns the identity token of the node, or "" if the
// blueprint author did not set one.
func (d *DesiredNode) IdentityToken() string {
	if d == nil || d.Config == nil {
		return ""
	}
	if s, ok := d.Config[IdentityConfigKey].(string); ok {
		return s
	}
	return ""
}

// String returns a short label for the node.
func (d *DesiredNode) String() string {
	if d == nil {
		return "<nil>"
	}
	label := d.Name
	if label == "" {
		label = d.CatalogRef
	}
	if label == "" {
		label = "node"
	}
	if tok := d.IdentityToken(); tok != "" {
		return label + "[" + tok + "]"
	}
	return label
}

// parameterSubSpec returns the nested desired node held by a parameter
// slot. A configured sub-spec takes precedence over a default one.
func (d *DesiredNode) parameterSubSpec(slot ParameterSlot) (*DesiredNode, bool) {
	if sub, ok := d.Config[slot.Key].(*DesiredNode); ok && sub != nil {
		return sub, true
	}
	if sub, ok := slot.Default.(*DesiredNode); ok && sub != nil {
		return sub, true
	}
	return nil, false
}

// Walk visits the node and every desired node it contributes to matching
// depth-first: parameter and flag sub-specs, then structural children in
// ChildCandidates order. It stops at the first error returned by fn.
func (d *DesiredNode) Walk(fn func(*DesiredNode) error) error {
	if d == nil {
		return nil
	}
	if err := fn(d); err != nil {
		return err
	}
	for _, e := range ChildCandidates(d) {
		if err := e.Node().Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// DuplicateIdentities counts the identity tokens carried by more than one
// node under d, sub-specs included.
func DuplicateIdentities(d *DesiredNode) map[string]int {
	seen := map[string]int{}
	_ = d.Walk(func(n *DesiredNode) error {
		if token := n.IdentityToken(); token != "" {
			seen[token]++
		}
		return nil
	})
	for token, n := range seen {
		if n < 2 {
			delete(seen, token)
		}
	}
	return seen
}
