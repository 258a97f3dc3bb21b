package policy

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
)

// Names of the built-in policies.
const (
	PolicyCatalogDowngrade = "catalog-downgrade"
	PolicyCatalogRename    = "catalog-rename"
	PolicyResetDropsConfig = "reset-drops-config"
)

//go:embed builtin/*.rego
var builtinFS embed.FS

// GetBuiltinPolicies returns the built-in policies sorted by name. Their
// severity and description come from each module's METADATA block.
func GetBuiltinPolicies() []Policy {
	files, err := fs.Glob(builtinFS, "builtin/*.rego")
	if err != nil {
		panic(err)
	}
	sort.Strings(files)

	policies := make([]Policy, 0, len(files))
	for _, name := range files {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			panic(err)
		}
		p, err := parseRego(name, data)
		if err != nil {
			panic(fmt.Sprintf("built-in policy %s: %v", name, err))
		}
		p.Source = ""
		policies = append(policies, p)
	}
	return policies
}
