package roles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ClosedCatalog(t *testing.T) {
	r := New()
	assert.True(t, r.Known("researcher"))
	assert.True(t, r.Known("synthesizer"))
	assert.False(t, r.Known("astronaut"))
}

func TestRegistry_CatalogIsExactlyTheClosedSet(t *testing.T) {
	r := New()
	assert.Equal(t, []string{
		"analyzer", "coder", "coordinator", "critic", "planner",
		"researcher", "retriever", "synthesizer", "writer",
	}, r.Names())
}

func TestRegistry_ToolServerMapping(t *testing.T) {
	r := New()
	role, ok := r.Get("coder")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"filesystem", "github", "python", "database"}, role.ToolServers)

	critic, ok := r.Get("critic")
	require.True(t, ok)
	assert.Equal(t, []string{"memory"}, critic.ToolServers)
}

func TestRegistry_CanDelegate(t *testing.T) {
	r := New()
	planner, _ := r.Get("planner")
	assert.True(t, planner.CanDelegate)

	writer, _ := r.Get("writer")
	assert.False(t, writer.CanDelegate)
}

func TestRegistry_OverrideUnknownRoleFails(t *testing.T) {
	r := New()
	err := r.Override("astronaut", "x", nil)
	assert.Error(t, err)
}

func TestRegistry_OverrideAdjustsExistingRole(t *testing.T) {
	r := New()
	require.NoError(t, r.Override("researcher", "custom prompt", []string{"websearch"}))
	role, _ := r.Get("researcher")
	assert.Equal(t, "custom prompt", role.SystemPrompt)
	assert.Equal(t, []string{"websearch"}, role.ToolServers)
}
