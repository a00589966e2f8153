// Package prompt loads and renders the flow prompt templates.
package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// Library holds named prompt templates. Templates use text/template
// syntax and are parsed lazily, once.
type Library struct {
	mu        sync.Mutex
	raw       map[string]string
	templates map[string]*template.Template
}

// Load builds a library from the embedded defaults, overlaid with the
// optional YAML file at path (empty path skips the overlay).
func Load(path string) (*Library, error) {
	raw := make(map[string]string)
	if err := yaml.Unmarshal(defaultPrompts, &raw); err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt file %s: %w", path, err)
		}
		overlay := make(map[string]string)
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parse prompt file %s: %w", path, err)
		}
		for name, text := range overlay {
			raw[name] = text
		}
	}

	return &Library{
		raw:       raw,
		templates: make(map[string]*template.Template),
	}, nil
}

// Render fills the named template with data.
func (l *Library) Render(name string, data any) (string, error) {
	tmpl, err := l.template(name)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// Text returns the raw template text for prompts without placeholders.
func (l *Library) Text(name string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	text, ok := l.raw[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	return text, nil
}

func (l *Library) template(name string) (*template.Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tmpl, ok := l.templates[name]; ok {
		return tmpl, nil
	}
	text, ok := l.raw[name]
	if !ok {
		return nil, fmt.Errorf("unknown prompt %q", name)
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt %q: %w", name, err)
	}
	l.templates[name] = tmpl
	return tmpl, nil
}
