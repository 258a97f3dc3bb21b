package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetConfig_Apply(t *testing.T) {
	node := newFakeNode("n1", "T1")
	m := NewSetConfig(node, "port", 8080)

	assert.Equal(t, "Set port to 8080 on n1", m.Description())
	assert.False(t, m.IsApplied())

	require.NoError(t, m.Apply(context.Background()))
	assert.True(t, m.IsApplied())
	assert.Equal(t, 8080, node.config["port"])
}

func TestSetConfig_TargetRejectsValue(t *testing.T) {
	node := newFakeNode("n1", "T1")
	node.reject = map[string]bool{"port": true}

	err := NewSetConfig(node, "port", "not-a-port").Apply(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfigRejected, ErrorCode(err))
	assert.True(t, IsPermanent(err))
}

func TestResetConfig_DropsLocalKeysToDefaults(t *testing.T) {
	node := newFakeNode("n1", "")
	node.config["A"] = "old"
	node.config["B"] = "y"
	node.defaults = map[string]interface{}{"B": "default-b"}

	m := NewResetConfig(node, map[string]interface{}{"A": "x"})
	require.NoError(t, m.Apply(context.Background()))

	assert.Equal(t, "x", node.get("A"))
	assert.Equal(t, "default-b", node.get("B"))
	_, local := node.config["B"]
	assert.False(t, local)
}

func TestResetConfig_DescriptionIsSorted(t *testing.T) {
	node := newFakeNode("n1", "")
	m := NewResetConfig(node, map[string]interface{}{"b": 2, "a": 1, "c": "three"})

	assert.Equal(t, "Reset configuration on n1 to {a=1, b=2, c=three}", m.Description())
	assert.Equal(t, []string{"a", "b", "c"}, m.Keys())
}

func TestResetConfig_PartialOnRejection(t *testing.T) {
	node := newFakeNode("n1", "")
	node.config["old"] = true
	node.reject = map[string]bool{"b": true}

	m := NewResetConfig(node, map[string]interface{}{"a": 1, "b": 2, "c": 3})
	err := m.Apply(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfigRejected, ErrorCode(err))

	// Local config was cleared, "a" set, "c" skipped.
	assert.Equal(t, map[string]interface{}{"a": 1}, node.config)

	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, 1, engErr.Details["applied"])
	assert.Equal(t, 1, engErr.Details["skipped"])
}

func TestResetConfig_CopiesInput(t *testing.T) {
	node := newFakeNode("n1", "")
	in := map[string]interface{}{"a": 1}
	m := NewResetConfig(node, in)
	in["a"] = 2
	in["b"] = 3

	require.NoError(t, m.Apply(context.Background()))
	assert.Equal(t, map[string]interface{}{"a": 1}, node.config)
}

func TestAddChild_AppliedOnce(t *testing.T) {
	parent := newFakeNode("root", "T1")
	factory := &mockChildFactory{}
	m := NewAddChild(parent, desired("cache", "C1"), factory)

	assert.Equal(t, "Add new child to root using cache[C1]", m.Description())
	require.NoError(t, m.Apply(context.Background()))
	require.NotNil(t, m.Created())
	assert.Equal(t, "C1", m.Created().IdentityToken())

	err := m.Apply(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyApplied))
	assert.Equal(t, 1, factory.calls)
	assert.Len(t, parent.children, 1)
}

func TestAddChild_FactoryFailure(t *testing.T) {
	boom := errors.New("quota exceeded")
	m := NewAddChild(newFakeNode("root", ""), desired("cache", "C1"), &mockChildFactory{err: boom})

	err := m.Apply(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, ErrCodeCollaboratorFailed, ErrorCode(err))
	assert.True(t, m.IsApplied())
}

func TestChangeCatalogReference_Apply(t *testing.T) {
	node := newFakeNode("n1", "").withRef("app:1")
	tr := newMockTransformer(node)
	change := CatalogChange{OldName: "app", OldVersion: "1", NewName: "app", NewVersion: "2"}
	m := NewChangeCatalogReference(node, change, tr)

	assert.Equal(t, "Change catalog reference of n1 from app:1 to app:2", m.Description())
	require.NoError(t, m.Apply(context.Background()))
	assert.Equal(t, "app:2", node.ref)
}

func TestChangeCatalogReference_Unsupported(t *testing.T) {
	node := newFakeNode("n1", "").withRef("app:1")
	tr := newMockTransformer(node)
	tr.partial = false
	m := NewChangeCatalogReference(node, CatalogChange{"app", "1", "app", "2"}, tr)

	err := m.Apply(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPartialTransformUnsupported))
	assert.Equal(t, 0, tr.calls)
	assert.Equal(t, "app:1", node.ref)

	err = NewChangeCatalogReference(node, CatalogChange{"app", "1", "app", "2"}, nil).Apply(context.Background())
	assert.True(t, errors.Is(err, ErrPartialTransformUnsupported))
}

func TestGrouping_AbortsAtFirstFailure(t *testing.T) {
	node := newFakeNode("n1", "")
	node.reject = map[string]bool{"b": true}

	first := NewSetConfig(node, "a", 1)
	second := NewSetConfig(node, "b", 2)
	third := NewSetConfig(node, "c", 3)
	g := NewGrouping(first, second, third)

	assert.Equal(t, "[Set a to 1 on n1, Set b to 2 on n1, Set c to 3 on n1]", g.Description())

	err := g.Apply(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrCodeConfigRejected, ErrorCode(err))
	assert.Contains(t, err.Error(), "modification 2 of 3")

	assert.True(t, first.IsApplied())
	assert.True(t, second.IsApplied())
	assert.False(t, third.IsApplied())
	assert.Equal(t, 1, node.config["a"])
	_, hasC := node.config["c"]
	assert.False(t, hasC)
}

func TestGrouping_CancelledContext(t *testing.T) {
	node := newFakeNode("n1", "")
	m := NewSetConfig(node, "a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewGrouping(m).Apply(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, m.IsApplied())
}

func TestModifications_FireOnce(t *testing.T) {
	node := newFakeNode("n1", "")
	tr := newMockTransformer(node)

	tests := []struct {
		name string
		mod  Modification
	}{
		{"set config", NewSetConfig(node, "a", 1)},
		{"reset config", NewResetConfig(node, map[string]interface{}{"a": 1})},
		{"add child", NewAddChild(node, desired("c", "c"), &mockChildFactory{})},
		{"change catalog reference", NewChangeCatalogReference(node, CatalogChange{"a", "1", "a", "2"}, tr)},
		{"grouping", NewGrouping()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, tt.mod.Apply(context.Background()))
			assert.True(t, tt.mod.IsApplied())

			err := tt.mod.Apply(context.Background())
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrAlreadyApplied))
			assert.True(t, IsConflict(err))
			assert.NoError(t, tt.mod.Kind().Validate())
		})
	}
}
