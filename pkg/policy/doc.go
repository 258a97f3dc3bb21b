// Package policy gates upgrade plans with Open Policy Agent (OPA) policies.
//
// Policies are Rego modules that define a deny set. They are evaluated
// against the plan summary, so they see exactly what an operator previews:
// modification kinds, targets, catalog changes with their version direction
// and the keys a reset would drop.
//
// # Input Document
//
//	input.plan       engine.PlanSummary (json field names)
//	input.context    PolicyContext: blueprint, user, environment, options, metadata
//
// # Writing Policies
//
//	package upgrade.custom
//
//	import rego.v1
//
//	deny contains violation if {
//	    some m in input.plan.modifications
//	    m.kind == "add_child"
//	    input.context.environment == "production"
//	    violation := {"message": sprintf("%s adds a child", [m.target]), "target": m.target}
//	}
//
// A deny element is a string or an object with message and optionally
// severity and target. The policy severity applies when the element has
// none. Error and critical violations block a plan; the rest are warnings.
//
// # Built-in Policies
//
//   - catalog-downgrade (error): a catalog reference change to a lower version.
//   - catalog-rename (warning): a catalog reference change to another item name.
//   - reset-drops-config (warning): a configuration reset that drops local keys.
//
// # Gating
//
// Engine.Gate evaluates the policies against a building plan. Blocking
// violations are recorded as plan errors with code POLICY_VIOLATION, so the
// plan is rejected when run. Warnings are recorded as no-op notes. A policy
// that cannot be evaluated blocks the plan.
//
// # Loading
//
// Policies are read from .rego files and from YAML or JSON documents. A
// .rego file is named after the file unless a package METADATA annotation
// gives a title; the annotation's custom severity and enabled keys set
// those fields. A document holds one policy, or a bundle under policies,
// where each entry carries inline rego or a file relative to the document.
// Directories are walked recursively. Engine.Watch reloads the loaded
// paths with fsnotify when a policy file changes.
package policy
