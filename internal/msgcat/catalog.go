package msgcat

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-arena/pkg/chessdto"
)

//go:embed messages.en.yaml
var embedded embed.FS

const defaultFile = "messages.en.yaml"

// Catalog holds client-facing message templates keyed by dotted path
// ("errors.NotYourTurn"). It is immutable after New.
type Catalog struct {
	tpls map[string]*template.Template
}

// New loads the embedded messages, then overlays every *.yaml / *.yml file in
// overrideDir. A key defined by two override files is an error.
func New(overrideDir string) (*Catalog, error) {
	raw, err := embedded.ReadFile(defaultFile)
	if err != nil {
		return nil, fmt.Errorf("read embedded messages: %w", err)
	}
	texts, err := flatten(raw)
	if err != nil {
		return nil, fmt.Errorf("parse embedded messages: %w", err)
	}
	if dir := strings.TrimSpace(overrideDir); dir != "" {
		overrides, err := readOverrides(dir)
		if err != nil {
			return nil, err
		}
		for k, v := range overrides {
			texts[k] = v
		}
	}

	c := &Catalog{tpls: make(map[string]*template.Template, len(texts))}
	for k, v := range texts {
		if strings.TrimSpace(v) == "" {
			continue
		}
		t, err := template.New(k).Option("missingkey=error").Parse(v)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", k, err)
		}
		c.tpls[k] = t
	}
	return c, nil
}

func readOverrides(dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read messages dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	out := make(map[string]string)
	origin := make(map[string]string)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		texts, err := flatten(b)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		for k, v := range texts {
			if prev, dup := origin[k]; dup {
				return nil, fmt.Errorf("duplicate override key %q in %s and %s", k, prev, name)
			}
			origin[k] = name
			out[k] = v
		}
	}
	return out, nil
}

func flatten(b []byte) (map[string]string, error) {
	var root map[string]any
	if err := yaml.Unmarshal(b, &root); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	if err := walk(root, "", out); err != nil {
		return nil, err
	}
	return out, nil
}

// walk accepts only string leaves.
func walk(node any, prefix string, out map[string]string) error {
	switch v := node.(type) {
	case nil:
		return nil
	case string:
		if prefix == "" {
			return fmt.Errorf("top-level string %q has no key", v)
		}
		out[prefix] = v
		return nil
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if err := walk(child, key, out); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported value at %s: %T", prefix, v)
	}
}

// Render executes the template stored under key. Missing keys and missing
// template data are errors.
func (c *Catalog) Render(key string, data any) (string, error) {
	t, ok := c.tpls[strings.TrimSpace(key)]
	if !ok {
		return "", fmt.Errorf("message not found: %s", key)
	}
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

// ErrorText renders errors.<kind>, returning fallback when the catalog is nil
// or rendering fails.
func (c *Catalog) ErrorText(kind chessdto.ErrorKind, data map[string]any, fallback string) string {
	if c == nil {
		return fallback
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := c.Render("errors."+string(kind), data)
	if err != nil || strings.TrimSpace(out) == "" {
		return fallback
	}
	return out
}
