package artifact

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Generator produces the content of a deliverable.
type Generator interface {
	Generate(ctx context.Context, task string, params map[string]any) (Content, error)
}

// TemplateGenerator renders the deterministic stub.
type TemplateGenerator struct{}

// Generate implements Generator.
func (TemplateGenerator) Generate(_ context.Context, task string, params map[string]any) (Content, error) {
	return Render(task, params), nil
}

// CodeWriter asks a model to write the tool body.
type CodeWriter interface {
	WriteCode(ctx context.Context, task string, params map[string]any) (string, error)
}

// OracleGenerator asks a CodeWriter for the body and keeps the rendered
// header. Any failure degrades to the template stub.
type OracleGenerator struct {
	Writer CodeWriter
	Logger *zap.Logger
}

// Generate implements Generator.
func (g *OracleGenerator) Generate(ctx context.Context, task string, params map[string]any) (Content, error) {
	if g.Writer == nil {
		return Render(task, params), nil
	}
	out, err := g.Writer.WriteCode(ctx, task, params)
	body := stripFences(out)
	if err != nil || body == "" {
		if g.Logger != nil {
			g.Logger.Warn("code writer failed, using template stub",
				zap.String("task", task), zap.Error(err))
		}
		return Render(task, params), nil
	}
	return renderBody(task, params, body), nil
}

// stripFences returns the contents of the first fenced code block, or the
// trimmed text when there is none.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.Index(rest, "\n"); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
