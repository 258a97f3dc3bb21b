package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/upgrade/pkg/engine"
	"github.com/openfroyo/upgrade/pkg/topology"
)

const shopYAML = `
name: shop
catalog:
  - name: web
    version: "1.0"
    keys:
      - name: port
        type: int
        default: 80
        flag: http.port
      - name: region
        type: string
        inherited: true
root:
  name: app
  catalogRef: app:1.0
  id: app
  config:
    region: eu
  parameters:
    - key: database
      default:
        $spec:
          name: db
          catalogRef: db:2.0
          config:
            plan.id: db
  children:
    - name: web
      catalogRef: web:1.0
      id: web
      config:
        port: 8080
      flags:
        cache:
          $spec:
            name: cache
            config:
              plan.id: cache
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestFormatFromPath(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{path: "bp.cue", want: FormatCUE},
		{path: "bp.yaml", want: FormatYAML},
		{path: "bp.YML", want: FormatYAML},
		{path: "bp.json", want: FormatYAML},
		{path: "bp.star", want: FormatStarlark},
		{path: dir, want: FormatCUE},
		{path: "bp.txt", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := FormatFromPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.yaml", shopYAML)

	compiled, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if compiled.Name != "shop" {
		t.Errorf("expected name shop, got %s", compiled.Name)
	}
	if len(compiled.Catalog) != 1 || compiled.Catalog[0].Ref() != "web:1.0" {
		t.Fatalf("unexpected catalog: %v", compiled.Catalog)
	}
	port, ok := compiled.Catalog[0].Key("port")
	if !ok || port.Default != 80 || port.Type != topology.TypeInt {
		t.Errorf("unexpected port key: %+v", port)
	}

	root := compiled.Root
	if root.IdentityToken() != "app" {
		t.Errorf("expected root token app, got %q", root.IdentityToken())
	}
	if len(root.Parameters) != 1 {
		t.Fatalf("expected 1 parameter, got %d", len(root.Parameters))
	}
	db, ok := root.Parameters[0].Default.(*engine.DesiredNode)
	if !ok || db.IdentityToken() != "db" || db.CatalogRef != "db:2.0" {
		t.Errorf("unexpected parameter default: %#v", root.Parameters[0].Default)
	}

	if len(root.Children) != 1 {
		t.Fatalf("expected 1 child, got %d", len(root.Children))
	}
	web := root.Children[0]
	if web.Config["port"] != 8080 {
		t.Errorf("expected port 8080 as int, got %#v", web.Config["port"])
	}
	cache, ok := web.Flags["cache"].(*engine.DesiredNode)
	if !ok || cache.IdentityToken() != "cache" {
		t.Errorf("unexpected flag value: %#v", web.Flags["cache"])
	}
}

func TestLoader_LoadCUE(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "shop.cue", `
name: "shop"
catalog: [{name: "web", version: "1.0", keys: [{name: "port", type: "int", default: 80}]}]

#Web: {
	catalogRef: "web:1.0"
	id:         string
	config: port: int | *80
}

root: {
	name: "app"
	id:   "app"
	children: [
		#Web & {id: "web-a"},
		#Web & {id: "web-b", config: port: 9090},
	]
}
`)

	compiled, err := NewLoader().Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	children := compiled.Root.Children
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if children[0].Config["port"] != 80 || children[1].Config["port"] != 9090 {
		t.Errorf("unexpected ports: %v, %v", children[0].Config["port"], children[1].Config["port"])
	}
	if children[1].IdentityToken() != "web-b" {
		t.Errorf("expected token web-b, got %q", children[1].IdentityToken())
	}
	if compiled.SourceFiles[0] != path {
		t.Errorf("expected source %s, got %v", path, compiled.SourceFiles)
	}
}

func TestLoader_LoadStarlark(t *testing.T) {
	path := writeFile(t, t.TempDir(), "shop.star", `
webs = [node(name = "web-%d" % i, catalog_ref = "web:1.0", id = "web-%d" % i) for i in range(replicas)]
blueprint = {"name": "shop", "root": node(name = "app", id = "app", children = webs)}
`)

	loader := NewLoader(WithVars(map[string]interface{}{"replicas": 3}))
	compiled, err := loader.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(compiled.Root.Children) != 3 {
		t.Fatalf("expected 3 children, got %d", len(compiled.Root.Children))
	}
	if compiled.Root.Children[2].IdentityToken() != "web-2" {
		t.Errorf("unexpected token %q", compiled.Root.Children[2].IdentityToken())
	}
}

func TestLoader_LoadBytesJSON(t *testing.T) {
	data := []byte(`{"name": "shop", "root": {"id": "app", "config": {"ratio": 0.5, "tags": ["a", "b"]}}}`)

	compiled, err := NewLoader().LoadBytes(context.Background(), FormatYAML, "inline.json", data)
	if err != nil {
		t.Fatalf("LoadBytes failed: %v", err)
	}
	if compiled.Root.Config["ratio"] != 0.5 {
		t.Errorf("expected ratio 0.5, got %#v", compiled.Root.Config["ratio"])
	}
	tags, ok := compiled.Root.Config["tags"].([]interface{})
	if !ok || len(tags) != 2 {
		t.Errorf("unexpected tags: %#v", compiled.Root.Config["tags"])
	}
	if compiled.Root.Flags != nil || compiled.Root.Children != nil {
		t.Error("expected empty flags and children to stay nil")
	}
}

func TestLoader_Errors(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader()

	tests := []struct {
		name    string
		format  Format
		data    string
		wantMsg string
	}{
		{
			name:    "empty document",
			format:  FormatYAML,
			data:    "",
			wantMsg: "empty",
		},
		{
			name:    "yaml syntax",
			format:  FormatYAML,
			data:    "name: [unclosed",
			wantMsg: "invalid blueprint",
		},
		{
			name:    "malformed catalog reference",
			format:  FormatYAML,
			data:    "name: shop\nroot:\n  catalogRef: web\n",
			wantMsg: "catalogRef",
		},
		{
			name:    "missing name",
			format:  FormatYAML,
			data:    "root: {}\n",
			wantMsg: "name",
		},
		{
			name:    "duplicate catalog item",
			format:  FormatYAML,
			data:    "name: shop\ncatalog:\n  - {name: web, version: '1'}\n  - {name: web, version: '1'}\nroot: {}\n",
			wantMsg: "duplicate catalog item web:1",
		},
		{
			name:    "bad key default",
			format:  FormatYAML,
			data:    "name: shop\ncatalog:\n  - name: web\n    version: '1'\n    keys: [{name: port, type: int, default: eighty}]\nroot: {}\n",
			wantMsg: "port",
		},
		{
			name:    "conflicting identity",
			format:  FormatYAML,
			data:    "name: shop\nroot:\n  id: a\n  config: {plan.id: b}\n",
			wantMsg: "conflicts",
		},
		{
			name:    "malformed nested spec",
			format:  FormatYAML,
			data:    "name: shop\nroot:\n  config:\n    db: {$spec: 3}\n",
			wantMsg: "$spec",
		},
		{
			name:    "cue conflict",
			format:  FormatCUE,
			data:    "name: \"a\"\nname: \"b\"\nroot: {}\n",
			wantMsg: "conflicting",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loader.LoadBytes(ctx, tt.format, "test", []byte(tt.data))
			if err == nil {
				t.Fatal("expected error, got none")
			}
			var bpErr *BlueprintError
			if !errors.As(err, &bpErr) {
				t.Fatalf("expected *BlueprintError, got %T: %v", err, err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestLoader_LoadArguments(t *testing.T) {
	ctx := context.Background()
	loader := NewLoader()

	if _, err := loader.Load(ctx); err == nil {
		t.Error("expected error for no sources")
	}
	dir := t.TempDir()
	a := writeFile(t, dir, "a.yaml", shopYAML)
	b := writeFile(t, dir, "b.yaml", shopYAML)
	if _, err := loader.Load(ctx, a, b); err == nil {
		t.Error("expected error for several yaml sources")
	}
	if _, err := loader.LoadBytes(ctx, Format("toml"), "x", nil); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestLoader_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLoader().LoadBytes(ctx, FormatYAML, "x", []byte(shopYAML))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
