package sibt

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestBytesComparator(t *testing.T) {
	assert := assertion.New(t)
	assert.Equal(0, BytesComparator(nil, nil))
	assert.Equal(0, BytesComparator([]byte("abc"), []byte("abc")))
	assert.Equal(-1, BytesComparator([]byte("abc"), []byte("abd")))
	assert.Equal(1, BytesComparator([]byte("abd"), []byte("abc")))
	// A prefix sorts before its extension.
	assert.Equal(-1, BytesComparator([]byte("ab"), []byte("abc")))
	assert.Equal(1, BytesComparator([]byte("abc"), []byte("ab")))
}
