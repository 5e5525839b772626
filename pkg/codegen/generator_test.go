package codegen

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sandboxd/coordinator/pkg/schema"
)

func echoTool() schema.ToolSchema {
	return schema.ToolSchema{
		Name:        "echo",
		Description: "echoes input",
		InputSchema: schema.Record(map[string]*schema.Schema{
			"input": schema.String(),
		}),
		OutputSchema: schema.Record(map[string]*schema.Schema{
			"echoed": schema.String(),
		}),
	}
}

func TestGeneratePreambleMode(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir)

	if err := g.GeneratePreamble("127.0.0.1:9000", "s3cr3t"); err != nil {
		t.Fatalf("GeneratePreamble: %v", err)
	}

	path := filepath.Join(dir, "tools", "_preamble.py")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat preamble: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read preamble: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, `TOOL_SERVICE_ADDRESS = "127.0.0.1:9000"`) || !strings.Contains(content, `TOOL_SERVICE_SECRET = "s3cr3t"`) {
		t.Fatalf("unexpected preamble content: %s", content)
	}
}

func TestGenerateProviderWritesToolModule(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir)

	if err := g.GenerateProvider("demo", []schema.ToolSchema{echoTool()}); err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}

	modPath := filepath.Join(dir, "tools", "demo", "echo.py")
	data, err := os.ReadFile(modPath)
	if err != nil {
		t.Fatalf("read tool module: %v", err)
	}
	content := string(data)
	for _, want := range []string{"class Params", "class Result", "def run(", "def run_raw(", "def run_parsed(", "input: str"} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected tool module to contain %q, got:\n%s", want, content)
		}
	}

	aggPath := filepath.Join(dir, "tools", "demo", "__aggregate__.py")
	agg, err := os.ReadFile(aggPath)
	if err != nil {
		t.Fatalf("read aggregate: %v", err)
	}
	if !strings.Contains(string(agg), `"echo"`) {
		t.Fatalf("expected aggregate to list echo, got:\n%s", agg)
	}
}

func TestGenerateProviderEmitsConstraintChecks(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir)

	minV, maxV := 1.0, 10.0
	tool := schema.ToolSchema{
		Name: "resize",
		InputSchema: &schema.Schema{
			Kind: schema.KindRecord,
			Fields: map[string]*schema.Schema{
				"scale": {Kind: schema.KindPrimitive, Primitive: schema.PrimitiveInt, Min: &minV, Max: &maxV},
				"label": {Kind: schema.KindPrimitive, Primitive: schema.PrimitiveString, Pattern: "^[a-z]+$"},
			},
			Required: []string{"scale"},
		},
	}

	if err := g.GenerateProvider("demo", []schema.ToolSchema{tool}); err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "tools", "demo", "resize.py"))
	if err != nil {
		t.Fatalf("read tool module: %v", err)
	}
	content := string(data)
	for _, want := range []string{
		"import re",
		"def __post_init__(self):",
		`if self.scale is not None and self.scale < 1: raise ValueError("scale must be >= 1")`,
		`if self.scale is not None and self.scale > 10: raise ValueError("scale must be <= 10")`,
		`if self.label is not None and re.search("^[a-z]+$", self.label) is None: raise ValueError`,
	} {
		if !strings.Contains(content, want) {
			t.Fatalf("expected tool module to contain %q, got:\n%s", want, content)
		}
	}
}

func TestGenerateProviderSkipsReImportWithoutPatterns(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir)

	if err := g.GenerateProvider("demo", []schema.ToolSchema{echoTool()}); err != nil {
		t.Fatalf("GenerateProvider: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "tools", "demo", "echo.py"))
	if err != nil {
		t.Fatalf("read tool module: %v", err)
	}
	if strings.Contains(string(data), "import re") {
		t.Fatal("expected no re import when no pattern constraint exists")
	}
}

func TestGenerateProviderIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir)
	tools := []schema.ToolSchema{echoTool()}

	if err := g.GenerateProvider("demo", tools); err != nil {
		t.Fatalf("first generate: %v", err)
	}
	modPath := filepath.Join(dir, "tools", "demo", "echo.py")
	first, err := os.ReadFile(modPath)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}

	if err := g.GenerateProvider("demo", tools); err != nil {
		t.Fatalf("second generate: %v", err)
	}
	second, err := os.ReadFile(modPath)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}

	if string(first) != string(second) {
		t.Fatalf("expected byte-identical regeneration")
	}
}

func TestGenerateProviderRemovesStaleModules(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir)

	other := schema.ToolSchema{
		Name:        "other",
		InputSchema: schema.Record(map[string]*schema.Schema{"x": schema.Int()}),
	}
	if err := g.GenerateProvider("demo", []schema.ToolSchema{echoTool(), other}); err != nil {
		t.Fatalf("first generate: %v", err)
	}

	otherPath := filepath.Join(dir, "tools", "demo", "other.py")
	if _, err := os.Stat(otherPath); err != nil {
		t.Fatalf("expected other.py to exist: %v", err)
	}

	if err := g.GenerateProvider("demo", []schema.ToolSchema{echoTool()}); err != nil {
		t.Fatalf("second generate: %v", err)
	}

	if _, err := os.Stat(otherPath); !os.IsNotExist(err) {
		t.Fatalf("expected other.py to be removed, stat err = %v", err)
	}
}
