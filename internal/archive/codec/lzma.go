package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/ulikunitz/xz/lzma"
)

// ZIP stores LZMA as: version (2 bytes), properties size (2 bytes), then
// the properties themselves. The classic .lzma header the decoder expects is
// properties (5 bytes) followed by the uncompressed size as a little-endian
// uint64, all ones meaning "terminated by an end marker".
const lzmaPropsLen = 5

func newZipLZMA(src io.Reader, p Params) (io.ReadCloser, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(src, prefix[:]); err != nil {
		return nil, fmt.Errorf("lzma: read prefix: %w", err)
	}
	propsLen := int(binary.LittleEndian.Uint16(prefix[2:4]))
	if propsLen != lzmaPropsLen {
		return nil, fmt.Errorf("%w: lzma properties length %d", archive.ErrCorruptHeader, propsLen)
	}

	header := make([]byte, lzmaPropsLen+8)
	if _, err := io.ReadFull(src, header[:lzmaPropsLen]); err != nil {
		return nil, fmt.Errorf("lzma: read properties: %w", err)
	}
	size := uint64(p.UncompressedSize)
	if p.EndMarker || p.UncompressedSize < 0 {
		size = ^uint64(0)
	}
	binary.LittleEndian.PutUint64(header[lzmaPropsLen:], size)

	lr, err := lzma.NewReader(io.MultiReader(bytes.NewReader(header), src))
	if err != nil {
		return nil, fmt.Errorf("lzma: %w", err)
	}
	return io.NopCloser(lr), nil
}
