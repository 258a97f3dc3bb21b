package topology

import (
	"fmt"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// ValueType is the declared type of a configuration key.
type ValueType string

const (
	// TypeAny accepts any value.
	TypeAny ValueType = "any"

	// TypeString accepts strings, numbers and booleans (formatted).
	TypeString ValueType = "string"

	// TypeInt accepts integers, integral floats and numeric strings.
	TypeInt ValueType = "int"

	// TypeFloat accepts numbers and numeric strings.
	TypeFloat ValueType = "float"

	// TypeBool accepts booleans and "true"/"false" strings.
	TypeBool ValueType = "bool"

	// TypeDuration accepts duration strings such as "30s".
	TypeDuration ValueType = "duration"

	// TypeList accepts lists.
	TypeList ValueType = "list"

	// TypeMap accepts mappings with string keys.
	TypeMap ValueType = "map"
)

// Validate checks if the value type is valid.
func (t ValueType) Validate() error {
	switch t {
	case TypeAny, TypeString, TypeInt, TypeFloat, TypeBool, TypeDuration, TypeList, TypeMap:
		return nil
	default:
		return fmt.Errorf("invalid value type: %s", t)
	}
}

// ConfigKey declares a configuration key of a node type.
type ConfigKey struct {
	// Name is the configuration key.
	Name string `json:"name" yaml:"name"`

	// Type is the declared type; values are coerced to it on SetConfig.
	Type ValueType `json:"type,omitempty" yaml:"type,omitempty"`

	// Default is returned by Get when neither the node nor an ancestor sets the key.
	Default interface{} `json:"default,omitempty" yaml:"default,omitempty"`

	// Flag is the legacy flag name that may carry the value in a blueprint.
	Flag string `json:"flag,omitempty" yaml:"flag,omitempty"`

	// Inherited makes values set on ancestors visible to descendants.
	Inherited bool `json:"inherited,omitempty" yaml:"inherited,omitempty"`

	// Description documents the key.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// NodeType is a catalog item: the type live nodes are instantiated from.
type NodeType struct {
	// Name is the catalog item name.
	Name string `json:"name" yaml:"name"`

	// Version is the catalog item version.
	Version string `json:"version" yaml:"version"`

	// Keys are the declared configuration keys.
	Keys []ConfigKey `json:"keys,omitempty" yaml:"keys,omitempty"`

	byName map[string]*ConfigKey
}

// Ref returns the "name:version" catalog reference of the type.
func (t *NodeType) Ref() string {
	return engine.CatalogRef{Name: t.Name, Version: t.Version}.String()
}

// Validate checks the type and indexes its keys.
func (t *NodeType) Validate() error {
	if _, err := engine.ParseCatalogRef(t.Ref()); err != nil {
		return fmt.Errorf("invalid node type: %w", err)
	}
	t.byName = make(map[string]*ConfigKey, len(t.Keys))
	for i := range t.Keys {
		k := &t.Keys[i]
		if k.Name == "" {
			return fmt.Errorf("node type %s: key %d has no name", t.Ref(), i)
		}
		if k.Type == "" {
			k.Type = TypeAny
		}
		if err := k.Type.Validate(); err != nil {
			return fmt.Errorf("node type %s: key %s: %w", t.Ref(), k.Name, err)
		}
		if _, dup := t.byName[k.Name]; dup {
			return fmt.Errorf("node type %s: duplicate key %s", t.Ref(), k.Name)
		}
		if k.Default != nil {
			def, err := coerce(k.Type, k.Default)
			if err != nil {
				return fmt.Errorf("node type %s: default of %s: %w", t.Ref(), k.Name, err)
			}
			k.Default = def
		}
		t.byName[k.Name] = k
	}
	return nil
}

// Key returns the declared key with the given name.
func (t *NodeType) Key(name string) (*ConfigKey, bool) {
	if t == nil {
		return nil, false
	}
	if t.byName == nil {
		for i := range t.Keys {
			if t.Keys[i].Name == name {
				return &t.Keys[i], true
			}
		}
		return nil, false
	}
	k, ok := t.byName[name]
	return k, ok
}

// FlagAliases maps declared keys to their legacy flag names.
func (t *NodeType) FlagAliases() map[string]string {
	aliases := make(map[string]string)
	if t == nil {
		return aliases
	}
	for _, k := range t.Keys {
		if k.Flag != "" {
			aliases[k.Name] = k.Flag
		}
	}
	return aliases
}

// NodeState is the persisted form of one live node.
type NodeState struct {
	ID         string                 `json:"id" yaml:"id"`
	ParentID   string                 `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Position   int                    `json:"position" yaml:"position"`
	Name       string                 `json:"name,omitempty" yaml:"name,omitempty"`
	CatalogRef string                 `json:"catalogRef,omitempty" yaml:"catalogRef,omitempty"`
	Config     map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}
