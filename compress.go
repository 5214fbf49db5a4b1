package sibt

import (
	"bytes"
	"strings"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4"
	"github.com/pkg/errors"
)

type CompressAlgorithm uint16

const (
	CompNone CompressAlgorithm = iota // default
	CompSnappy
	CompLz4
)

func (alg CompressAlgorithm) String() string {
	switch alg {
	case CompNone:
		return "none"
	case CompSnappy:
		return "snappy"
	case CompLz4:
		return "lz4"
	}
	return "unknown"
}

// ParseCompression maps a configuration string to an algorithm.
func ParseCompression(s string) (CompressAlgorithm, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompNone, nil
	case "snappy":
		return CompSnappy, nil
	case "lz4":
		return CompLz4, nil
	}
	return CompNone, errors.Errorf("unknown compression algorithm %q", s)
}

// decompressor returns the DeCompressor items stored with alg are decoded
// with; nil for uncompressed databases.
func (alg CompressAlgorithm) decompressor() (DeCompressor, error) {
	switch alg {
	case CompNone:
		return nil, nil
	case CompSnappy:
		return SnappyDeCompress, nil
	case CompLz4:
		return Lz4DeCompress, nil
	}
	return nil, errors.Errorf("unknown compression algorithm %d", alg)
}

type Compressor func([]byte) []byte
type DeCompressor func([]byte) ([]byte, error)

var (
	SnappyCompress Compressor = func(in []byte) []byte {
		return snappy.Encode(nil, in)
	}
	SnappyDeCompress DeCompressor = func(in []byte) ([]byte, error) {
		return snappy.Decode(nil, in)
	}
)

var (
	Lz4Compress Compressor = func(in []byte) []byte {
		buf := &bytes.Buffer{}
		writer := lz4.NewWriter(buf)
		defer writer.Close()
		writer.NoChecksum = true
		_, err := writer.Write(in)
		if err != nil {
			panic(err)
		}
		_ = writer.Flush()
		return buf.Bytes()
	}

	Lz4DeCompress DeCompressor = func(in []byte) ([]byte, error) {
		buf := &bytes.Buffer{}
		reader := lz4.NewReader(bytes.NewReader(in))
		_, err := buf.ReadFrom(reader)
		return buf.Bytes(), err
	}
)
