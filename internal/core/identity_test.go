package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateID(t *testing.T) {
	a := GenerateID()
	b := GenerateID()

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "node-a", NodeID("node-a"))

	generated := NodeID("")
	assert.True(t, strings.HasPrefix(generated, "node-"))
	assert.Len(t, generated, len("node-")+12)
}
