package prompts

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"text/template"

	"github.com/Masterminds/sprig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var ErrTemplateNotFound = errors.New("prompt template not found")

// Template is a named prompt with text/template placeholders.
type Template struct {
	Name        string   `yaml:"name"`
	Template    string   `yaml:"template"`
	Description string   `yaml:"description,omitempty"`
	Variables   []string `yaml:"variables,omitempty"`
	Category    string   `yaml:"category,omitempty"`
}

// Render executes the template with vars. Every referenced variable must be
// present.
func (t *Template) Render(vars map[string]interface{}) (string, error) {
	tmpl, err := template.New(t.Name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(t.Template)
	if err != nil {
		return "", errors.Wrapf(err, "parse prompt %s", t.Name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", errors.Wrapf(err, "render prompt %s", t.Name)
	}
	return buf.String(), nil
}

type file struct {
	Prompts []*Template `yaml:"prompts"`
}

// Manager holds the built-in templates plus custom ones loaded from YAML.
type Manager struct {
	mu        sync.RWMutex
	templates map[string]*Template
	builtin   map[string]bool
}

func NewManager() *Manager {
	m := &Manager{
		templates: map[string]*Template{},
		builtin:   map[string]bool{},
	}
	for _, t := range defaultTemplates() {
		m.templates[t.Name] = t
		m.builtin[t.Name] = true
	}
	return m
}

// LoadFile adds the templates of a YAML file. A missing file is not an
// error. Templates without a category are filed under "custom".
func (m *Manager) LoadFile(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "open prompts file")
	}
	defer func() {
		_ = f.Close()
	}()

	n, err := m.Load(f)
	if err != nil {
		return errors.Wrapf(err, "load prompts from %s", path)
	}
	log.Debug().Str("path", path).Int("templates", n).Msg("loaded prompt templates")
	return nil
}

func (m *Manager) Load(r io.Reader) (int, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil
		}
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range f.Prompts {
		if t == nil || t.Name == "" {
			return 0, errors.New("prompt without name")
		}
		if t.Category == "" {
			t.Category = CategoryCustom
		}
		m.templates[t.Name] = t
	}
	return len(f.Prompts), nil
}

func (m *Manager) Get(name string) (*Template, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[name]
	return t, ok
}

// List returns the templates sorted by name, filtered by category unless it
// is empty.
func (m *Manager) List(category string) []*Template {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := []*Template{}
	for _, t := range m.templates {
		if category == "" || t.Category == category {
			ret = append(ret, t)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].Name < ret[j].Name
	})
	return ret
}

func (m *Manager) Categories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]bool{}
	ret := []string{}
	for _, t := range m.templates {
		if !seen[t.Category] {
			seen[t.Category] = true
			ret = append(ret, t.Category)
		}
	}
	sort.Strings(ret)
	return ret
}

func (m *Manager) Add(t *Template) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[t.Name] = t
	delete(m.builtin, t.Name)
}

func (m *Manager) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[name]; !ok {
		return false
	}
	delete(m.templates, name)
	delete(m.builtin, name)
	return true
}

func (m *Manager) Render(name string, vars map[string]interface{}) (string, error) {
	t, ok := m.Get(name)
	if !ok {
		return "", errors.Wrapf(ErrTemplateNotFound, "%s", name)
	}
	return t.Render(vars)
}

// SaveToFile writes the custom templates, never the built-in ones.
func (m *Manager) SaveToFile(path string) error {
	m.mu.RLock()
	custom := []*Template{}
	for name, t := range m.templates {
		if !m.builtin[name] {
			custom = append(custom, t)
		}
	}
	m.mu.RUnlock()
	sort.Slice(custom, func(i, j int) bool {
		return custom[i].Name < custom[j].Name
	})

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create prompts directory")
	}
	b, err := yaml.Marshal(&file{Prompts: custom})
	if err != nil {
		return errors.Wrap(err, "marshal prompts")
	}
	return errors.Wrap(os.WriteFile(path, b, 0o644), "write prompts file")
}
