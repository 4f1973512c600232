package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBaseRegistry_RegisterGetRemove(t *testing.T) {
	r := NewBaseRegistry[int]()

	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	v, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	assert.Equal(t, 2, r.Count())
	assert.Equal(t, []string{"a", "b"}, r.Names())

	require.NoError(t, r.Remove("a"))
	_, ok = r.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Count())
}

func TestBaseRegistry_EmptyNameRejected(t *testing.T) {
	r := NewBaseRegistry[string]()
	err := r.Register("", "x")
	assert.Error(t, err)
}

func TestBaseRegistry_RemoveMissing(t *testing.T) {
	r := NewBaseRegistry[string]()
	err := r.Remove("missing")
	assert.Error(t, err)
}

func TestBaseRegistry_Clear(t *testing.T) {
	r := NewBaseRegistry[string]()
	_ = r.Register("a", "x")
	r.Clear()
	assert.Equal(t, 0, r.Count())
}
