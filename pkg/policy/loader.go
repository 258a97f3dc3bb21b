package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Loader reads policies from .rego files and from YAML or JSON policy
// documents. Parsed files are cached until their modification time
// changes.
type Loader struct {
	logger   zerolog.Logger
	mu       sync.Mutex
	cache    map[string]cachedFile
	debounce time.Duration
}

type cachedFile struct {
	modTime  time.Time
	policies []Policy
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:   logger.With().Str("component", "policy-loader").Logger(),
		cache:    make(map[string]cachedFile),
		debounce: 500 * time.Millisecond,
	}
}

// LoadFromPaths loads every policy under paths. A path may be a file or a
// directory, which is walked recursively; unreadable files inside a
// directory are skipped with a warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var out []Policy
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		if !info.IsDir() {
			policies, err := l.loadFromFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
			}
			out = append(out, policies...)
			continue
		}

		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() || !isPolicyFile(p) {
				return err
			}
			policies, err := l.loadFromFile(p)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", p).Msg("Skipping policy file")
				return nil
			}
			out = append(out, policies...)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", path, err)
		}
	}

	l.logger.Debug().Int("policies", len(out)).Strs("paths", paths).Msg("Policies loaded")
	return out, nil
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func (l *Loader) loadFromFile(path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	cached, ok := l.cache[path]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policies, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policies []Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err := parseRego(path, data)
		if err != nil {
			return nil, err
		}
		policies = []Policy{p}
	case ".json", ".yaml", ".yml":
		policies, err = l.parseDocument(path, data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}

	l.mu.Lock()
	l.cache[path] = cachedFile{modTime: info.ModTime(), policies: policies}
	l.mu.Unlock()
	return policies, nil
}

// parseRego builds a policy from a Rego module. Name, description and
// severity are taken from a package-scoped METADATA annotation when there
// is one:
//
//	# METADATA
//	# title: no-downgrades
//	# description: Blocks downgrades
//	# custom:
//	#   severity: warning
//	#   enabled: false
//
// Otherwise the policy is named after the file, described by its leading
// comments, and has severity error. Syntax errors surface when the policy
// is compiled.
func parseRego(path string, data []byte) (Policy, error) {
	p := Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityError,
		Enabled:  true,
		Source:   path,
	}

	module, err := ast.ParseModuleWithOpts(path, p.Rego, ast.ParserOptions{ProcessAnnotation: true})
	if err != nil || module == nil {
		p.Description = extractDescription(p.Rego)
		return p, nil
	}

	var pkg *ast.Annotations
	for _, a := range module.Annotations {
		if a.Scope == "package" {
			pkg = a
			break
		}
	}
	if pkg == nil {
		p.Description = extractDescription(p.Rego)
		return p, nil
	}

	if pkg.Title != "" {
		p.Name = pkg.Title
	}
	p.Description = pkg.Description
	if sev, ok := pkg.Custom["severity"].(string); ok {
		p.Severity = Severity(sev)
	}
	if enabled, ok := pkg.Custom["enabled"].(bool); ok {
		p.Enabled = enabled
	}
	if err := checkSeverity(p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// documentPolicy is one policy in a YAML or JSON document. File names a
// .rego file relative to the document, as an alternative to inline Rego.
type documentPolicy struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Rego        string   `yaml:"rego"`
	File        string   `yaml:"file"`
	Severity    Severity `yaml:"severity"`
	Enabled     *bool    `yaml:"enabled"`
}

// policyDocument is either a single policy or a bundle listing policies.
type policyDocument struct {
	documentPolicy `yaml:",inline"`
	Version        string           `yaml:"version"`
	Policies       []documentPolicy `yaml:"policies"`
}

// parseDocument parses a policy document. yaml.v3 reads the JSON form too.
func (l *Loader) parseDocument(path string, data []byte) ([]Policy, error) {
	var doc policyDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}

	entries := doc.Policies
	if len(entries) == 0 {
		entries = []documentPolicy{doc.documentPolicy}
	} else {
		l.logger.Debug().
			Str("bundle", doc.Name).
			Str("version", doc.Version).
			Int("policies", len(entries)).
			Msg("Policy bundle loaded")
	}

	policies := make([]Policy, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("policy %d in %s has no name", i, path)
		}
		p := Policy{
			Name:        e.Name,
			Description: e.Description,
			Rego:        e.Rego,
			Severity:    e.Severity,
			Enabled:     e.Enabled == nil || *e.Enabled,
			Source:      path,
		}
		if e.File != "" {
			rego, err := os.ReadFile(filepath.Join(filepath.Dir(path), e.File))
			if err != nil {
				return nil, fmt.Errorf("policy %s: %w", e.Name, err)
			}
			p.Rego = string(rego)
		}
		if p.Severity == "" {
			p.Severity = SeverityError
		}
		if err := checkSeverity(p); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, nil
}

func checkSeverity(p Policy) error {
	switch p.Severity {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	}
	return fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
}

// extractDescription joins the comment lines at the top of a Rego module.
func extractDescription(content string) string {
	var words []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			if line != "" && len(words) > 0 {
				break
			}
			continue
		}
		if c := strings.TrimSpace(strings.TrimPrefix(line, "#")); c != "" {
			words = append(words, c)
		}
	}
	return strings.Join(words, " ")
}

// Watch calls reloadFn with freshly loaded policies after each burst of
// changes under paths, until ctx is done.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || p == path {
				return watcher.Add(p)
			}
			return nil
		})
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	go l.watchLoop(ctx, watcher, paths, reloadFn)

	l.logger.Info().Strs("paths", paths).Msg("Watching policy paths")
	return nil
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	reload := func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = reloadFn(policies)
		}
		if err != nil {
			l.logger.Error().Err(err).Msg("Failed to reload policies")
			return
		}
		l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, ev.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(l.debounce, reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedFile)
}
