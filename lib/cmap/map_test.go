package cmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	m := NewMap[string, int]()

	_, exists := m.Get("a")
	assert.False(t, exists)

	m.Set("a", 1)
	v, exists := m.Get("a")
	assert.True(t, exists)
	assert.Equal(t, 1, v)

	actual, stored := m.SetIfAbsent("a", 2)
	assert.False(t, stored)
	assert.Equal(t, 1, actual)

	actual, stored = m.SetIfAbsent("b", 2)
	assert.True(t, stored)
	assert.Equal(t, 2, actual)

	assert.ElementsMatch(t, []int{1, 2}, m.Values())

	m.Delete("a")
	_, exists = m.Get("a")
	assert.False(t, exists)
}
