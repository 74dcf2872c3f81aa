// Package replies holds the SMS reply texts as named text/template strings.
package replies

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/mctc-health/mctc/pkg/logger"
)

//go:embed default.yaml
var defaultCatalog []byte

// Vars is the data passed to a template.
type Vars map[string]any

// Catalog renders replies by key. It is immutable once loaded.
type Catalog struct {
	templates map[string]*template.Template
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, err := parse(defaultCatalog, nil)
	if err != nil {
		panic(fmt.Sprintf("replies: built-in catalog: %v", err))
	}
	return c
}

// Load returns the built-in catalog with keys from the YAML file at
// overridePath replacing their defaults. An empty path loads the defaults.
func Load(overridePath string) (*Catalog, error) {
	base := Default()
	if strings.TrimSpace(overridePath) == "" {
		return base, nil
	}
	data, err := os.ReadFile(overridePath)
	if err != nil {
		return nil, fmt.Errorf("read reply overrides: %w", err)
	}
	return parse(data, base)
}

func parse(data []byte, base *Catalog) (*Catalog, error) {
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse reply catalog: %w", err)
	}

	c := &Catalog{templates: map[string]*template.Template{}}
	if base != nil {
		for k, t := range base.templates {
			c.templates[k] = t
		}
	}
	for key, text := range raw {
		t, err := template.New(key).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("reply %q: %w", key, err)
		}
		c.templates[key] = t
	}
	return c, nil
}

// Render executes the template named key. An unknown key or a failing
// template renders the key itself.
func (c *Catalog) Render(key string, data any) string {
	t, ok := c.templates[key]
	if !ok {
		logger.WarnCF("replies", "Unknown reply key", map[string]any{"key": key})
		return key
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		logger.WarnCF("replies", "Reply template failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		return key
	}
	return b.String()
}
