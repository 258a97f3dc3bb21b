package engine

import (
	"fmt"
	"sort"
)

// CandidateEntry is a desired node decorated with its provenance.
type CandidateEntry struct {
	node    *DesiredNode
	kind    ProvenanceKind
	claimed bool
}

// NewCandidateEntry creates an unclaimed entry.
func NewCandidateEntry(node *DesiredNode, kind ProvenanceKind) *CandidateEntry {
	return &CandidateEntry{node: node, kind: kind}
}

// Node returns the wrapped desired node.
func (e *CandidateEntry) Node() *DesiredNode { return e.node }

// Kind returns the provenance of the entry.
func (e *CandidateEntry) Kind() ProvenanceKind { return e.kind }

// Claimed reports whether any live node has been paired with the entry.
func (e *CandidateEntry) Claimed() bool { return e.claimed }

// Claim marks the entry as paired. Claiming is not exclusive: a claimed
// entry still matches later live nodes carrying the same identity token.
func (e *CandidateEntry) Claim() { e.claimed = true }

func (e *CandidateEntry) String() string {
	return fmt.Sprintf("%s(%s, claimed=%t)", e.kind, e.node, e.claimed)
}

// CandidatePool is the set of entries introduced at one tree level, in
// iteration order.
type CandidatePool []*CandidateEntry

// find returns the first entry whose identity token equals token. When
// inheritedOnly is set, entries of non-inherited kinds are skipped.
func (p CandidatePool) find(token string, policy InheritancePolicy, inheritedOnly bool) *CandidateEntry {
	for _, e := range p {
		if inheritedOnly && !policy.Inherited(e.kind) {
			continue
		}
		if e.node.IdentityToken() == token {
			return e
		}
	}
	return nil
}

// ChildCandidates returns the entries a matched desired node contributes to
// the level below it: parameter sub-specs in slot order, flag sub-specs
// sorted by flag name, then structural children in declared order.
func ChildCandidates(d *DesiredNode) CandidatePool {
	if d == nil {
		return nil
	}
	var pool CandidatePool
	for _, slot := range d.Parameters {
		if sub, ok := d.parameterSubSpec(slot); ok {
			pool = append(pool, NewCandidateEntry(sub, ProvenanceParameter))
		}
	}

	flagNames := make([]string, 0, len(d.Flags))
	for name := range d.Flags {
		flagNames = append(flagNames, name)
	}
	sort.Strings(flagNames)
	for _, name := range flagNames {
		if sub, ok := d.Flags[name].(*DesiredNode); ok && sub != nil {
			pool = append(pool, NewCandidateEntry(sub, ProvenanceFlag))
		}
	}

	for _, c := range d.Children {
		if c != nil {
			pool = append(pool, NewCandidateEntry(c, ProvenanceChild))
		}
	}
	return pool
}
