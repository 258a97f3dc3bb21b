// Package topology is an in-memory live node tree.
//
// A Manager holds a catalog of node types and one tree of nodes created
// from desired nodes. Nodes implement engine.LiveNode; the Manager
// implements engine.ChildFactory and engine.StateTransformer, so a plan
// built by the engine can be applied to it directly.
//
// Configuration lookup on a node is local value, then the nearest ancestor
// value for inherited keys, then the key default. Undeclared keys are
// inherited. Values of declared keys are coerced to the key type when set.
// A {"$ref": "key"} value is stored as a ConfigRef and resolved on Get.
//
// Snapshot and Restore convert the tree to and from NodeState records for
// persistence.
package topology
