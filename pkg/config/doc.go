// Package config compiles blueprints into desired trees.
//
// # Overview
//
// A blueprint names a desired tree of nodes and the catalog of node types
// the tree refers to. Blueprints can be written in CUE, YAML (or JSON) or
// Starlark. Every format is read into the same generic document, checked
// against the built-in CUE schema, decoded into a Blueprint and validated
// with struct tags, then compiled into an *engine.DesiredNode tree and a
// list of *topology.NodeType.
//
// # Components
//
// Loader: Entry point. Picks the format from the file extension, reads the
// sources and compiles them.
//
// CUEParser: Reads CUE files and directories. Several sources are unified,
// so a base blueprint can be refined by overlay files. Definitions and
// hidden fields are not part of the document.
//
// StarlarkEvaluator: Runs Starlark scripts with a timeout. A blueprint
// script must bind the global "blueprint". The builtins node, spec, param,
// ref and key build the document pieces.
//
// SchemaRegistry: Holds CUE schemas. The built-in schemas describe the
// blueprint document, catalog items and nodes.
//
// # Document Structure
//
//	name: "shop"
//	catalog: [{
//	    name:    "web"
//	    version: "1.0"
//	    keys: [{name: "port", type: "int", default: 80, flag: "http.port"}]
//	}]
//	root: {
//	    name:       "app"
//	    catalogRef: "app:1.0"
//	    id:         "app"
//	    parameters: [{key: "database", default: {"$spec": {name: "db", config: "plan.id": "db"}}}]
//	    children: [{name: "web", catalogRef: "web:1.0", id: "web", config: port: 8080}]
//	}
//
// The id field of a node is its identity token and is stored in the
// configuration under engine.IdentityConfigKey. Values of the form
// {"$spec": {...}} in configuration, flags and parameter defaults are
// nested specs. Values of the form {"$ref": "key"} are read from another
// key of the live node when the node is queried.
//
// # Starlark
//
//	db = spec(name = "db", catalog_ref = "db:2.0", id = "db")
//	blueprint = {
//	    "name": "shop",
//	    "root": node(name = "app", id = "app", parameters = [param("database", default = db)]),
//	}
package config
