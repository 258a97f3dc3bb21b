package engine

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTreeMatcher_BasicMatch(t *testing.T) {
	live := newFakeNode("app", "app-plan-id")
	want := desired("app", "app-plan-id")

	cb := &recordingCallback{}
	stats, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{"match app app"}, cb.events)
	assert.Equal(t, MatchStats{Visited: 1, Matched: 1}, stats)
}

func TestTreeMatcher_LiveWithoutTokenNeverMatches(t *testing.T) {
	// The only candidate has no token either; structural similarity is irrelevant.
	live := newFakeNode("app", "", newFakeNode("c1", ""))
	want := desired("app", "", desired("child", ""))

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{"unmatched-live app", "unmatched-live c1"}, cb.events)
}

func TestTreeMatcher_PairsByTokenNotPosition(t *testing.T) {
	live := newFakeNode("app", "T1",
		newFakeNode("n1", "a"),
		newFakeNode("n2", "b"),
		newFakeNode("n3", "c"),
	)
	want := desired("app", "T1",
		desired("C", "c"),
		desired("A", "a"),
		desired("B", "b"),
	)

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"match app app",
		"match n1 A",
		"match n2 B",
		"match n3 C",
	}, cb.events)
}

func TestTreeMatcher_UnmatchedDesiredReportedAfterChildren(t *testing.T) {
	live := newFakeNode("root", "T1",
		newFakeNode("web", "w", newFakeNode("db", "d")),
	)
	want := desired("root", "T1",
		desired("web", "w", desired("db", "d"), desired("cache", "x")),
		desired("lb", "C1"),
	)

	cb := &recordingCallback{}
	stats, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"match root root",
		"match web web",
		"match db db",
		"unmatched-desired cache under web",
		"unmatched-desired lb under root",
	}, cb.events)
	assert.Equal(t, 2, stats.UnmatchedDesired)
	assert.Equal(t, 2, stats.MaxDepth)
}

func TestTreeMatcher_UnmatchedRootIsNotReportedAsMissing(t *testing.T) {
	live := newFakeNode("root", "old")
	want := desired("root", "new", desired("child", "c"))

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{"unmatched-live root"}, cb.events)
}

func TestTreeMatcher_ParameterSubSpecIsInherited(t *testing.T) {
	member := desired("member", "m")
	cluster := desired("cluster", "cl")
	cluster.Parameters = []ParameterSlot{{Key: "memberSpec", Default: member}}

	// The member materializes two levels below the cluster.
	live := newFakeNode("cluster", "cl",
		newFakeNode("group", "",
			newFakeNode("member-1", "m"),
		),
	)

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(live, cluster)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"match cluster cluster",
		"unmatched-live group",
		"match member-1 member",
	}, cb.events)
}

func TestTreeMatcher_UnclaimedInheritedEntriesAreNotMissing(t *testing.T) {
	root := desired("root", "T1")
	root.Parameters = []ParameterSlot{{Key: "spec", Default: desired("param", "p")}}
	root.Flags = map[string]interface{}{"memberSpec": desired("flag", "f")}

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(newFakeNode("root", "T1"), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"match root root"}, cb.events)
}

func TestTreeMatcher_ConfiguredParameterWinsOverDefault(t *testing.T) {
	root := desired("root", "T1")
	root.Parameters = []ParameterSlot{{Key: "spec", Default: desired("default", "d")}}
	root.Config["spec"] = desired("configured", "c")

	live := newFakeNode("root", "T1", newFakeNode("x", "d"), newFakeNode("y", "c"))

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(live, root)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"match root root",
		"unmatched-live x",
		"match y configured",
	}, cb.events)
}

func TestTreeMatcher_ChildEntriesAreScopedToOneLevel(t *testing.T) {
	want := desired("root", "T1",
		desired("a", "a"),
		desired("b", "b"),
	)
	// "b" exists live, but one level too deep.
	live := newFakeNode("root", "T1",
		newFakeNode("n-a", "a", newFakeNode("n-b", "b")),
	)

	cb := &recordingCallback{}
	_, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"match root root",
		"match n-a a",
		"unmatched-live n-b",
		"unmatched-desired b under root",
	}, cb.events)
}

func TestTreeMatcher_InheritancePolicyTable(t *testing.T) {
	// root carries a parameter sub-spec "p", a flag sub-spec "f" and a
	// child "c". The live tree holds each token one level too deep.
	build := func() (*fakeNode, *DesiredNode) {
		root := desired("root", "T1", desired("c", "c"))
		root.Parameters = []ParameterSlot{{Key: "spec", Default: desired("p", "p")}}
		root.Flags = map[string]interface{}{"flag": desired("f", "f")}
		live := newFakeNode("root", "T1",
			newFakeNode("mid", "",
				newFakeNode("deep-p", "p"),
				newFakeNode("deep-f", "f"),
				newFakeNode("deep-c", "c"),
			),
		)
		return live, root
	}

	tests := []struct {
		name    string
		policy  InheritancePolicy
		matched []string
	}{
		{
			name:    "default",
			policy:  DefaultInheritancePolicy(),
			matched: []string{"deep-p", "deep-f"},
		},
		{
			name:    "nothing inherited",
			policy:  InheritancePolicy{},
			matched: nil,
		},
		{
			name:    "parameters only",
			policy:  InheritancePolicy{ProvenanceParameter: true},
			matched: []string{"deep-p"},
		},
		{
			name:    "everything inherited",
			policy:  InheritancePolicy{ProvenanceParameter: true, ProvenanceFlag: true, ProvenanceChild: true, ProvenanceRoot: true},
			matched: []string{"deep-p", "deep-f", "deep-c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live, want := build()
			cb := &recordingCallback{}
			_, err := NewTreeMatcher(cb, WithInheritancePolicy(tt.policy)).Match(live, want)
			require.NoError(t, err)

			var matched []string
			for _, ev := range cb.events {
				for _, id := range []string{"deep-p", "deep-f", "deep-c"} {
					if ev == "match "+id+" "+id[len("deep-"):] {
						matched = append(matched, id)
					}
				}
			}
			assert.Equal(t, tt.matched, matched)
		})
	}
}

func TestTreeMatcher_InvalidInheritancePolicy(t *testing.T) {
	m := NewTreeMatcher(&recordingCallback{}, WithInheritancePolicy(InheritancePolicy{"sibling": true}))
	_, err := m.Match(newFakeNode("root", "T1"), desired("root", "T1"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

// A desired node may be claimed by more than one live node. If claiming is
// ever made exclusive, this test must change with it.
func TestTreeMatcher_ClaimingIsNotExclusive(t *testing.T) {
	live := newFakeNode("root", "T1",
		newFakeNode("w1", "web"),
		newFakeNode("w2", "web"),
	)
	want := desired("root", "T1", desired("web", "web"))

	cb := &recordingCallback{}
	stats, err := NewTreeMatcher(cb).Match(live, want)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"match root root",
		"match w1 web",
		"match w2 web",
	}, cb.events)
	assert.Equal(t, 3, stats.Matched)
}

func TestTreeMatcher_CycleDetected(t *testing.T) {
	root := newFakeNode("root", "T1")
	child := newFakeNode("child", "c", root)
	root.addChild(child)

	_, err := NewTreeMatcher(&recordingCallback{}).Match(root, desired("root", "T1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCycleDetected))
	assert.True(t, IsConflict(err))

	var engErr *EngineError
	require.True(t, errors.As(err, &engErr))
	assert.Equal(t, "root", engErr.Node)
}

func TestTreeMatcher_MaxDepth(t *testing.T) {
	live := newFakeNode("l0", "", newFakeNode("l1", "", newFakeNode("l2", "", newFakeNode("l3", ""))))

	_, err := NewTreeMatcher(&recordingCallback{}, WithMaxDepth(2)).Match(live, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDepthExceeded))

	stats, err := NewTreeMatcher(&recordingCallback{}, WithMaxDepth(3)).Match(live, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Visited)
	assert.Equal(t, 3, stats.MaxDepth)
}

func TestTreeMatcher_DeepTreeDoesNotRecurse(t *testing.T) {
	const depth = 100000
	root := newFakeNode("n0", "")
	cur := root
	for i := 1; i <= depth; i++ {
		next := newFakeNode("n"+strconv.Itoa(i), "")
		cur.addChild(next)
		cur = next
	}

	stats, err := NewTreeMatcher(&recordingCallback{}).Match(root, nil)
	require.NoError(t, err)
	assert.Equal(t, depth+1, stats.Visited)
}

func TestTreeMatcher_RequiresLiveRootAndCallback(t *testing.T) {
	_, err := NewTreeMatcher(nil).Match(newFakeNode("root", ""), nil)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))

	_, err = NewTreeMatcher(&recordingCallback{}).Match(nil, nil)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

func TestChildCandidates_Order(t *testing.T) {
	d := desired("root", "T1", desired("child", "c"))
	d.Parameters = []ParameterSlot{
		{Key: "plain", Default: "not a spec"},
		{Key: "spec", Default: desired("param", "p")},
	}
	d.Flags = map[string]interface{}{
		"zeta":  desired("flag-z", "z"),
		"alpha": desired("flag-a", "a"),
		"other": 42,
	}

	pool := ChildCandidates(d)
	require.Len(t, pool, 4)

	var got []string
	for _, e := range pool {
		got = append(got, string(e.Kind())+":"+e.Node().Name)
		assert.False(t, e.Claimed())
	}
	assert.Equal(t, []string{"parameter:param", "flag:flag-a", "flag:flag-z", "child:child"}, got)
}

func TestDesiredNode_WalkVisitsSubSpecs(t *testing.T) {
	d := desired("root", "T1", desired("child", "c"))
	d.Parameters = []ParameterSlot{{Key: "spec", Default: desired("param", "p", desired("grandchild", "g"))}}
	d.Flags = map[string]interface{}{"alpha": desired("flag-a", "a")}

	var names []string
	require.NoError(t, d.Walk(func(n *DesiredNode) error {
		names = append(names, n.Name)
		return nil
	}))
	assert.Equal(t, []string{"root", "param", "grandchild", "flag-a", "child"}, names)
}

func TestDuplicateIdentities(t *testing.T) {
	d := desired("root", "T1", desired("child", "c"), desired("other", "o"))
	d.Parameters = []ParameterSlot{{Key: "spec", Default: desired("param", "c")}}
	d.Flags = map[string]interface{}{"alpha": desired("flag-a", "T1")}

	assert.Equal(t, map[string]int{"T1": 2, "c": 2}, DuplicateIdentities(d))
	assert.Empty(t, DuplicateIdentities(desired("root", "T1", desired("child", "c"))))
}
