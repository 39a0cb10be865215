package synth

import (
	"context"
	"fmt"
	"strings"

	"github.com/edoblanco/codesmith/internal/tasks"
)

// Generator produces the content of one target file for an intent.
type Generator interface {
	Generate(ctx context.Context, intent Intent, target Target) (tasks.StagedFile, error)
}

// TemplateGenerator is the mock content generator: a deterministic placeholder
// module per target, parameterized by the prompt summary.
type TemplateGenerator struct{}

func NewTemplateGenerator() TemplateGenerator { return TemplateGenerator{} }

func (TemplateGenerator) Generate(_ context.Context, intent Intent, target Target) (tasks.StagedFile, error) {
	if strings.TrimSpace(target.Path) == "" {
		return tasks.StagedFile{}, fmt.Errorf("target %q has no path", target.Name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "// %s\n", target.Name)
	fmt.Fprintf(&b, "// generated for: %s\n\n", intent.Summary)
	fmt.Fprintf(&b, "export function init() {\n")
	fmt.Fprintf(&b, "  const root = document.getElementById(%q);\n", target.Name)
	fmt.Fprintf(&b, "  if (!root) return;\n")
	fmt.Fprintf(&b, "  root.innerHTML = '<section class=%q></section>';\n", target.Name)
	fmt.Fprintf(&b, "}\n")

	return tasks.StagedFile{Path: target.Path, Content: b.String()}, nil
}
