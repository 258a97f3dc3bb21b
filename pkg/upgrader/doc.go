// Package upgrader plans and applies upgrades of a stored live topology.
//
// A Service restores the live tree from the store, matches it against a
// compiled blueprint, gates the resulting plan through the policy engine
// and stores a plan record. Apply runs the plan, persists the upgraded
// topology and records the outcome as plan state, events and audit
// entries.
package upgrader
