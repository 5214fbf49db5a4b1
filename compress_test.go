package sibt

import (
	"testing"

	assertion "github.com/stretchr/testify/assert"
)

func TestSerdeSnappy(t *testing.T) {
	assert := assertion.New(t)
	in := []byte("keykeykeykeykeykeykeykeykeykey")
	ser := SnappyCompress(in)
	t.Log(len(ser), ser)
	out, err := SnappyDeCompress(ser)
	assert.NoError(err)
	assert.Equal(in, out)
}

func TestSerdeLz4(t *testing.T) {
	assert := assertion.New(t)
	in := []byte("valuevaluevaluevaluevaluevalue")
	ser := Lz4Compress(in)
	t.Log(len(ser), ser)
	out, err := Lz4DeCompress(ser)
	assert.NoError(err)
	assert.Equal(in, out)
}

func TestParseCompression(t *testing.T) {
	assert := assertion.New(t)

	alg, err := ParseCompression("")
	assert.NoError(err)
	assert.Equal(CompNone, alg)

	alg, err = ParseCompression("Snappy")
	assert.NoError(err)
	assert.Equal(CompSnappy, alg)

	alg, err = ParseCompression("lz4")
	assert.NoError(err)
	assert.Equal(CompLz4, alg)

	_, err = ParseCompression("zip")
	assert.Error(err)
}

func TestDecompressorSelection(t *testing.T) {
	assert := assertion.New(t)

	d, err := CompNone.decompressor()
	assert.NoError(err)
	assert.Nil(d)

	d, err = CompSnappy.decompressor()
	assert.NoError(err)
	out, err := d(SnappyCompress([]byte("abc")))
	assert.NoError(err)
	assert.Equal([]byte("abc"), out)

	_, err = CompressAlgorithm(99).decompressor()
	assert.Error(err)
}
