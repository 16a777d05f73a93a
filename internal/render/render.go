// Package render fills operator-supplied text templates from event data.
package render

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nikolalohinski/gonja"
)

// Renderer renders a template against a plain data context.
type Renderer interface {
	Render(template string, data map[string]any) (string, error)
}

// Gonja renders Django/Jinja style templates such as "{{ department.name }}".
type Gonja struct{}

// New returns the default renderer.
func New() Gonja {
	return Gonja{}
}

// Render parses and executes a template. Plain strings without template
// markers are returned unchanged.
func (Gonja) Render(template string, data map[string]any) (string, error) {
	if !strings.Contains(template, "{{") && !strings.Contains(template, "{%") {
		return template, nil
	}
	tpl, err := gonja.FromString(template)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := tpl.Execute(data)
	if err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return out, nil
}

// Context decodes a raw JSON payload into a template context.
// Non-object payloads produce an empty context.
func Context(raw []byte) map[string]any {
	ctx := map[string]any{}
	if len(raw) == 0 {
		return ctx
	}
	if err := json.Unmarshal(raw, &ctx); err != nil || ctx == nil {
		return map[string]any{}
	}
	return ctx
}
