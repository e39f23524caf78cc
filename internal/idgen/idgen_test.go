package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixSettlement)
	assert.True(t, strings.HasPrefix(id, "stl_"))
	assert.Len(t, id, len("stl_")+32)
	assert.True(t, Valid(id, PrefixSettlement))
	assert.False(t, Valid(id, PrefixBatch))
	assert.NotEqual(t, id, WithPrefix(PrefixSettlement))
}

func TestValid_RejectsGarbage(t *testing.T) {
	assert.False(t, Valid("stl_", PrefixSettlement))
	assert.False(t, Valid("stl_zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", PrefixSettlement))
}

func TestNewAndHex(t *testing.T) {
	assert.Len(t, New(), 36)
	assert.Len(t, Hex(8), 16)
}
