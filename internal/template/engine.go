package template

import (
	"embed"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/osteele/liquid"
)

//go:embed defaults/*.liquid
var defaults embed.FS

// ErrUnknownTemplate is returned when rendering a name that was never loaded
var ErrUnknownTemplate = errors.New("unknown template")

type compiled struct {
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

// Engine renders the built-in templates, optionally overridden from a directory
type Engine struct {
	engine    *liquid.Engine
	templates map[string]*compiled
	sources   map[string]*Template
}

// NewEngine parses the built-in templates. Files named <name>.<part>.liquid
// in overrideDir replace the matching built-in part. An empty overrideDir
// uses the built-ins only.
func NewEngine(overrideDir string) (*Engine, error) {
	e := &Engine{
		engine:    liquid.NewEngine(),
		templates: make(map[string]*compiled),
		sources:   make(map[string]*Template),
	}

	for _, name := range []string{Notification, Confirmation} {
		tmpl, err := loadTemplate(name, overrideDir)
		if err != nil {
			return nil, err
		}
		if err := e.Add(tmpl); err != nil {
			return nil, err
		}
	}

	return e, nil
}

// Add parses tmpl and registers it under tmpl.Name
func (e *Engine) Add(tmpl *Template) error {
	if tmpl.Subject == "" {
		return fmt.Errorf("template %s: subject is required", tmpl.Name)
	}
	if tmpl.HTML == "" && tmpl.Text == "" {
		return fmt.Errorf("template %s: html or text body is required", tmpl.Name)
	}

	c := &compiled{}
	var err error
	if c.subject, err = e.parse(tmpl.Name, PartSubject, tmpl.Subject); err != nil {
		return err
	}
	if c.html, err = e.parse(tmpl.Name, PartHTML, tmpl.HTML); err != nil {
		return err
	}
	if c.text, err = e.parse(tmpl.Name, PartText, tmpl.Text); err != nil {
		return err
	}

	e.templates[tmpl.Name] = c
	e.sources[tmpl.Name] = tmpl
	return nil
}

func (e *Engine) parse(name, part, src string) (*liquid.Template, error) {
	if src == "" {
		return nil, nil
	}
	t, err := e.engine.ParseString(src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s.%s: %w", name, part, err)
	}
	return t, nil
}

// Source returns the template source registered under name
func (e *Engine) Source(name string) (*Template, bool) {
	t, ok := e.sources[name]
	return t, ok
}

// Render renders the named template.
// String values are HTML-escaped for the HTML part only. The subject is
// collapsed to a single line.
func (e *Engine) Render(name string, data map[string]any) (*RenderResult, error) {
	c, ok := e.templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}

	result := &RenderResult{}

	subject, err := c.subject.RenderString(data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	result.Subject = singleLine(subject)

	if c.html != nil {
		out, err := c.html.RenderString(escapeBindings(data).(map[string]any))
		if err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = out
	}

	if c.text != nil {
		out, err := c.text.RenderString(data)
		if err != nil {
			return nil, fmt.Errorf("failed to render text: %w", err)
		}
		result.Text = strings.TrimSpace(out) + "\n"
	}

	return result, nil
}

// loadTemplate reads the built-in parts of name and applies overrides
func loadTemplate(name, overrideDir string) (*Template, error) {
	tmpl := &Template{Name: name}
	parts := map[string]*string{
		PartSubject: &tmpl.Subject,
		PartHTML:    &tmpl.HTML,
		PartText:    &tmpl.Text,
	}

	for part, dst := range parts {
		file := name + "." + part + ".liquid"

		data, err := fs.ReadFile(defaults, "defaults/"+file)
		if err != nil {
			return nil, fmt.Errorf("failed to read built-in template %s: %w", file, err)
		}

		if overrideDir != "" {
			override, err := os.ReadFile(filepath.Join(overrideDir, file))
			switch {
			case err == nil:
				data = override
			case !errors.Is(err, fs.ErrNotExist):
				return nil, fmt.Errorf("failed to read template override %s: %w", file, err)
			}
		}

		*dst = string(data)
	}

	return tmpl, nil
}

// escapeBindings returns a copy of v with every string HTML-escaped
func escapeBindings(v any) any {
	switch val := v.(type) {
	case string:
		return html.EscapeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = escapeBindings(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = escapeBindings(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = escapeBindings(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = html.EscapeString(item)
		}
		return out
	default:
		return v
	}
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
