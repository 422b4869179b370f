package prompts

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Defaults(t *testing.T) {
	m := NewManager()
	assert.Len(t, m.List(""), 10)
	assert.Equal(t, []string{CategoryCoding, CategoryCreative, CategoryEducation, CategoryGeneral}, m.Categories())
	assert.Len(t, m.List(CategoryCoding), 6)

	_, ok := m.Get("code_review")
	assert.True(t, ok)
	_, ok = m.Get("nope")
	assert.False(t, ok)
}

func TestManager_Render(t *testing.T) {
	m := NewManager()

	out, err := m.Render("summarize", map[string]interface{}{"text": "Go is fun.", "num_points": 3})
	require.NoError(t, err)
	assert.Equal(t, "Summarize the following text in 3 key points:\n\nGo is fun.", out)

	out, err = m.Render("code_review", map[string]interface{}{"code": "x := 1", "language": "go"})
	require.NoError(t, err)
	assert.Contains(t, out, "```go\nx := 1\n```")

	_, err = m.Render("summarize", map[string]interface{}{"text": "missing count"})
	require.Error(t, err)

	_, err = m.Render("nope", nil)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))
}

func TestTemplate_RenderWithSprig(t *testing.T) {
	tmpl := &Template{Name: "shout", Template: `{{ .word | upper }}!`}
	out, err := tmpl.Render(map[string]interface{}{"word": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "HELLO!", out)
}

func TestManager_LoadAndSave(t *testing.T) {
	m := NewManager()
	n, err := m.Load(strings.NewReader(`
prompts:
  - name: haiku
    template: "Write a haiku about {{ .topic }}"
    variables: [topic]
  - name: summarize
    template: "TL;DR {{ .text }}"
    category: general
`))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	haiku, ok := m.Get("haiku")
	require.True(t, ok)
	assert.Equal(t, CategoryCustom, haiku.Category)
	out, err := m.Render("summarize", map[string]interface{}{"text": "x"})
	require.NoError(t, err)
	assert.Equal(t, "TL;DR x", out)

	m.Add(&Template{Name: "limerick", Template: "A limerick on {{ .topic }}", Category: "creative"})
	path := filepath.Join(t.TempDir(), "conf", "prompts.yaml")
	require.NoError(t, m.SaveToFile(path))

	reloaded := NewManager()
	require.NoError(t, reloaded.LoadFile(path))
	_, ok = reloaded.Get("haiku")
	assert.True(t, ok)
	_, ok = reloaded.Get("limerick")
	assert.True(t, ok)
	// built-ins are never written out
	assert.Len(t, reloaded.List(""), 12)

	require.NoError(t, NewManager().LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestManager_Remove(t *testing.T) {
	m := NewManager()
	assert.True(t, m.Remove("debug"))
	assert.False(t, m.Remove("debug"))
	assert.Len(t, m.List(""), 9)
}
