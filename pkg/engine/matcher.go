package engine

import (
	"fmt"
)

// TreeMatcher pairs live nodes with the desired nodes they were created
// from. Pairing is by exact identity token equality only.
//
// A TreeMatcher is not safe for concurrent use. Candidate entries are
// claimed in place, so each Match call builds fresh pools.
type TreeMatcher struct {
	callback MatchCallback
	policy   InheritancePolicy
	maxDepth int
}

// MatcherOption configures a TreeMatcher.
type MatcherOption func(*TreeMatcher)

// WithInheritancePolicy replaces the default inheritance table.
func WithInheritancePolicy(policy InheritancePolicy) MatcherOption {
	return func(m *TreeMatcher) {
		m.policy = policy
	}
}

// WithMaxDepth bounds the depth of the live tree. The root is at depth 0.
// Zero or a negative value disables the bound.
func WithMaxDepth(depth int) MatcherOption {
	return func(m *TreeMatcher) {
		m.maxDepth = depth
	}
}

// NewTreeMatcher creates a matcher reporting to callback.
func NewTreeMatcher(callback MatchCallback, opts ...MatcherOption) *TreeMatcher {
	m := &TreeMatcher{
		callback: callback,
		policy:   DefaultInheritancePolicy(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MatchStats counts the outcomes of one matching pass.
type MatchStats struct {
	Visited          int `json:"visited"`
	Matched          int `json:"matched"`
	UnmatchedLive    int `json:"unmatchedLive"`
	UnmatchedDesired int `json:"unmatchedDesired"`
	MaxDepth         int `json:"maxDepth"`
}

// matchFrame is one live node on the current ancestry path.
type matchFrame struct {
	live     LiveNode
	children []LiveNode
	next     int
	pool     CandidatePool
	depth    int
}

// Match walks the live tree depth-first and reports every pairing and
// non-pairing to the callback.
//
// At each live node the candidate pools are scanned from the innermost
// level outwards. Every entry of the innermost pool is considered; outer
// pools only contribute entries of inherited kinds. Once all children of a
// node are processed, the unclaimed non-inherited entries it introduced are
// reported as unmatched desired nodes under it.
//
// Match fails fast on a cycle in the live tree or when the depth bound is
// exceeded. Callbacks already invoked are not undone.
func (m *TreeMatcher) Match(live LiveNode, desired *DesiredNode) (MatchStats, error) {
	var stats MatchStats
	if m.callback == nil {
		return stats, NewPermanentError("match callback is required", nil).WithCode(ErrCodeValidation)
	}
	if live == nil {
		return stats, NewPermanentError("live root is required", nil).WithCode(ErrCodeValidation)
	}
	if err := m.policy.Validate(); err != nil {
		return stats, NewPermanentError("invalid matcher configuration", err).WithCode(ErrCodeValidation)
	}

	var rootPool CandidatePool
	if desired != nil {
		rootPool = CandidatePool{NewCandidateEntry(desired, ProvenanceRoot)}
	}
	pools := []CandidatePool{rootPool}
	visited := make(map[string]struct{})
	var frames []*matchFrame

	enter := func(node LiveNode, depth int) error {
		if m.maxDepth > 0 && depth > m.maxDepth {
			return NewPermanentError(fmt.Sprintf("live tree exceeds maximum depth %d", m.maxDepth), nil).
				WithCode(ErrCodeDepthExceeded).
				WithNode(node.ID()).
				WithOperation("match")
		}
		if _, seen := visited[node.ID()]; seen {
			return NewConflictError("live tree contains a cycle", nil).
				WithCode(ErrCodeCycleDetected).
				WithNode(node.ID()).
				WithOperation("match")
		}
		visited[node.ID()] = struct{}{}
		stats.Visited++
		if depth > stats.MaxDepth {
			stats.MaxDepth = depth
		}

		var childPool CandidatePool
		if entry := m.find(node, pools); entry != nil {
			stats.Matched++
			m.callback.OnMatch(node, entry.node)
			entry.Claim()
			childPool = ChildCandidates(entry.node)
		} else {
			stats.UnmatchedLive++
			m.callback.UnmatchedLive(node)
		}

		frames = append(frames, &matchFrame{
			live:     node,
			children: node.Children(),
			pool:     childPool,
			depth:    depth,
		})
		pools = append(pools, childPool)
		return nil
	}

	if err := enter(live, 0); err != nil {
		return stats, err
	}
	for len(frames) > 0 {
		top := frames[len(frames)-1]
		if top.next < len(top.children) {
			child := top.children[top.next]
			top.next++
			if child == nil {
				continue
			}
			if err := enter(child, top.depth+1); err != nil {
				return stats, err
			}
			continue
		}

		frames = frames[:len(frames)-1]
		pools = pools[:len(pools)-1]
		for _, e := range top.pool {
			if !e.claimed && !m.policy.Inherited(e.kind) {
				stats.UnmatchedDesired++
				m.callback.UnmatchedDesired(e.node, top.live)
			}
		}
	}
	return stats, nil
}

// find returns the entry live should be paired with, or nil. A live node
// without an identity token never matches.
func (m *TreeMatcher) find(live LiveNode, pools []CandidatePool) *CandidateEntry {
	token := live.IdentityToken()
	if token == "" {
		return nil
	}
	for i := len(pools) - 1; i >= 0; i-- {
		innermost := i == len(pools)-1
		if e := pools[i].find(token, m.policy, !innermost); e != nil {
			return e
		}
	}
	return nil
}
