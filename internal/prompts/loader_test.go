package prompts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_ValidPrompt(t *testing.T) {
	ClearCache()

	prompt, err := Get(AgentsFile, ActorExtract)
	require.NoError(t, err)
	assert.Contains(t, prompt, "{{.Content}}")
	assert.Contains(t, prompt, "{{.MaxBullets}}")
}

func TestGet_InvalidFile(t *testing.T) {
	ClearCache()

	_, err := Get("nonexistent.json", "some-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read prompt file")
}

func TestGet_InvalidKey(t *testing.T) {
	ClearCache()

	_, err := Get(AgentsFile, "nonexistent-key")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestMustGet_Panics(t *testing.T) {
	ClearCache()

	assert.Panics(t, func() {
		MustGet("nonexistent.json", "some-key")
	})
}

func TestRender(t *testing.T) {
	ClearCache()

	out, err := Render(AgentsFile, FinalConsolidate, map[string]string{
		"Title":    "Widget Plan",
		"Sections": "## 1. Scope\n1. Check it",
		"MaxWords": "800",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "Widget Plan")
	assert.Contains(t, out, "SECTIONS BEGIN\n## 1. Scope\n1. Check it\nSECTIONS END")
	assert.NotContains(t, out, "{{.")
}

func TestFormat(t *testing.T) {
	result := Format("Hello {{.Name}}, welcome to {{.Company}}!", map[string]string{
		"Name":    "Alice",
		"Company": "Acme Corp",
	})
	assert.Equal(t, "Hello Alice, welcome to Acme Corp!", result)
}

func TestList(t *testing.T) {
	ClearCache()

	keys, err := List(AgentsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{ActorExtract, CriticSynthesize, FinalConsolidate}, keys)

	keys, err = List(ProbeFile)
	require.NoError(t, err)
	assert.Equal(t, []string{HealthCheck}, keys)
}
