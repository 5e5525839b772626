// Package codegen implements the code generator: from a provider's
// declared tool schemas, it materializes one Python module per tool plus a
// per-provider aggregate index and a shared preamble module, into the
// kernel's workspace filesystem.
//
// Regeneration is idempotent and atomic: each file is written to a temp path
// in the same directory and renamed into place, and modules for tools that
// disappeared from a provider's schema list are removed. There is no
// library in the example pack for atomic file replacement (os.Rename over a
// temp file in the same directory is the standard library idiom for it, and
// none of the example repos reach for a third-party alternative such as
// google/renameio), so this part is built directly on os/path/filepath.
package codegen

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sandboxd/coordinator/pkg/schema"
)

// Generator writes generated modules under WorkspaceDir/tools.
type Generator struct {
	WorkspaceDir string
}

// NewGenerator creates a Generator rooted at workspaceDir.
func NewGenerator(workspaceDir string) *Generator {
	return &Generator{WorkspaceDir: workspaceDir}
}

func (g *Generator) toolsDir() string { return filepath.Join(g.WorkspaceDir, "tools") }

// GeneratePreamble (re)writes the shared preamble module holding the Tool
// Service address and bearer secret, mode 0600.
func (g *Generator) GeneratePreamble(address, secret string) error {
	dir := g.toolsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("codegen: create tools dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "__init__.py"), nil, 0o644); err != nil {
		return err
	}

	var buf strings.Builder
	if err := preambleTemplate.Execute(&buf, struct{ Address, Secret string }{address, secret}); err != nil {
		return fmt.Errorf("codegen: render preamble: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "_preamble.py"), []byte(buf.String()), 0o600)
}

// GenerateProvider (re)generates every tool module for provider name from
// tools, writes the aggregate index, and removes modules for tools that are
// no longer present. Two calls with an identical tools slice produce
// byte-identical files, satisfying the idempotence invariant.
func (g *Generator) GenerateProvider(name string, tools []schema.ToolSchema) error {
	dir := filepath.Join(g.toolsDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("codegen: create provider dir %s: %w", name, err)
	}

	if err := writeFileAtomic(filepath.Join(dir, "__init__.py"), nil, 0o644); err != nil {
		return err
	}

	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)

	var aggBuf strings.Builder
	if err := aggregateTemplate.Execute(&aggBuf, struct{ Tools []string }{names}); err != nil {
		return fmt.Errorf("codegen: render aggregate for %s: %w", name, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "__aggregate__.py"), []byte(aggBuf.String()), 0o644); err != nil {
		return err
	}

	for _, tool := range tools {
		if err := g.generateToolModule(dir, name, tool); err != nil {
			return err
		}
	}

	return g.removeStaleModules(dir, names)
}

func (g *Generator) generateToolModule(dir, provider string, tool schema.ToolSchema) error {
	var classes []classDef
	paramsFields, paramsChecks := recordFields(tool.InputSchema, "Params", &classes)

	hasResult := tool.OutputSchema != nil
	var resultFields []fieldDef
	var resultChecks []string
	if hasResult {
		resultFields, resultChecks = recordFields(tool.OutputSchema, "Result", &classes)
	}

	data := struct {
		Provider      string
		Tool          string
		Fields        []fieldDef
		Checks        []string
		NestedClasses []classDef
		HasResult     bool
		ResultFields  []fieldDef
		ResultChecks  []string
		NeedsRe       bool
	}{
		Provider:      provider,
		Tool:          tool.Name,
		Fields:        paramsFields,
		Checks:        paramsChecks,
		NestedClasses: classes,
		HasResult:     hasResult,
		ResultFields:  resultFields,
		ResultChecks:  resultChecks,
		NeedsRe:       needsRe(classes, paramsChecks, resultChecks),
	}

	var buf strings.Builder
	if err := toolModuleTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("codegen: render tool module %s/%s: %w", provider, tool.Name, err)
	}

	path := filepath.Join(dir, tool.Name+".py")
	return writeFileAtomic(path, []byte(buf.String()), 0o644)
}

// recordFields renders s's top-level fields and constraint checks without
// adding s itself as a nested class: s's identity is the enclosing
// Params/Result dataclass already emitted by the caller's template, only its
// nested sub-records belong in classes.
func recordFields(s *schema.Schema, nameHint string, classes *[]classDef) ([]fieldDef, []string) {
	if s == nil || s.Kind != schema.KindRecord {
		// Defensive fallback: a non-record top-level schema becomes a
		// single "value" field rather than failing generation.
		return []fieldDef{{Name: "value", Type: pyType(s, nameHint+"Value", classes)}}, nil
	}

	var top []classDef
	pyType(s, nameHint, &top)
	// The root record is always the last class pyType appended for this
	// call; everything before it is a nested type the root depends on.
	root := top[len(top)-1]
	*classes = append(*classes, top[:len(top)-1]...)
	return root.Fields, root.Checks
}

// needsRe reports whether any rendered constraint check uses the re module,
// so the template only imports it when a pattern check exists.
func needsRe(classes []classDef, checkLists ...[]string) bool {
	usesRe := func(checks []string) bool {
		for _, c := range checks {
			if strings.Contains(c, "re.search(") {
				return true
			}
		}
		return false
	}
	for _, cls := range classes {
		if usesRe(cls.Checks) {
			return true
		}
	}
	for _, checks := range checkLists {
		if usesRe(checks) {
			return true
		}
	}
	return false
}

func (g *Generator) removeStaleModules(dir string, keep []string) error {
	keepSet := make(map[string]bool, len(keep))
	for _, name := range keep {
		keepSet[name+".py"] = true
	}
	keepSet["__init__.py"] = true
	keepSet["__aggregate__.py"] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("codegen: list %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || keepSet[entry.Name()] {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".py") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("codegen: remove stale module %s: %w", entry.Name(), err)
		}
	}
	return nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("codegen: create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("codegen: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codegen: close %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codegen: chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("codegen: rename into place %s: %w", path, err)
	}
	return nil
}
