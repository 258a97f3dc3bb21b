package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeFile writes v as YAML for .yaml/.yml paths and as JSON otherwise.
func writeFile(path string, v interface{}) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(v)
	default:
		data, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func printSummary(w io.Writer, s engine.PlanSummary) {
	fmt.Fprintf(w, "Plan %s (%s)\n", s.ID, s.State)
	fmt.Fprintf(w, "Fingerprint: %s\n\n", s.Fingerprint)

	if len(s.Modifications) == 0 {
		fmt.Fprintln(w, "No modifications.")
	} else {
		fmt.Fprintf(w, "Modifications (%d):\n", len(s.Modifications))
		for i, m := range s.Modifications {
			mark := " "
			if m.Applied {
				mark = "✓"
			}
			line := fmt.Sprintf("  %s %2d. [%s] %s", mark, i+1, m.Kind, m.Description)
			if m.Direction != "" && m.Direction != engine.VersionSame {
				line += fmt.Sprintf(" (%s)", m.Direction)
			}
			fmt.Fprintln(w, line)
			if len(m.DroppedKeys) > 0 {
				fmt.Fprintf(w, "        drops: %s\n", strings.Join(m.DroppedKeys, ", "))
			}
		}
	}

	if len(s.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(s.Errors))
		for _, e := range s.Errors {
			if e.Code != "" {
				fmt.Fprintf(w, "  ✗ %s: %s\n", e.Code, e.Message)
			} else {
				fmt.Fprintf(w, "  ✗ %s\n", e.Message)
			}
		}
	}

	if len(s.NoOps) > 0 {
		fmt.Fprintf(w, "\nNo-ops (%d):\n", len(s.NoOps))
		for _, n := range s.NoOps {
			fmt.Fprintf(w, "  - %s\n", n)
		}
	}
}

// printTree prints the live tree with catalog references and local config.
func printTree(w io.Writer, n *topology.Node, indent string) {
	label := n.String()
	if ref := n.CatalogRef(); ref != "" {
		label += " " + ref
	}
	if token := n.IdentityToken(); token != "" {
		label += fmt.Sprintf(" [%s]", token)
	}
	fmt.Fprintf(w, "%s%s\n", indent, label)

	local := n.LocalConfig()
	for _, k := range engine.SortedKeys(local) {
		if k == engine.IdentityConfigKey {
			continue
		}
		fmt.Fprintf(w, "%s    %s = %v\n", indent, k, local[k])
	}
	for _, c := range n.ChildNodes() {
		printTree(w, c, indent+"  ")
	}
}
