package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashString(t *testing.T) {
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", HashString(""))
	assert.Len(t, HashString("what is our refund policy?"), 64)
	assert.Equal(t, HashString("a"), HashString("a"))
}
