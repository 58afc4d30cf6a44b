// Package codec selects a decompressor for an entry's CompressionType.
// Lookup performs no I/O; the returned Decoder wraps a source reader.
package codec

import (
	"compress/bzip2"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/tech-arch1tect/berth-unpack/internal/archive"
	"github.com/ulikunitz/xz"
)

// Params carries what a decoder needs beyond the raw bytes. ZIP's LZMA
// framing does not record the uncompressed size, for instance.
type Params struct {
	UncompressedSize int64
	// EndMarker is set when the stream terminates with an end-of-stream
	// marker rather than a known size.
	EndMarker bool
}

// Decoder turns a packed payload into its decompressed byte stream.
type Decoder interface {
	NewReader(src io.Reader, p Params) (io.ReadCloser, error)
}

// DecoderFunc adapts a function to a Decoder.
type DecoderFunc func(src io.Reader, p Params) (io.ReadCloser, error)

func (f DecoderFunc) NewReader(src io.Reader, p Params) (io.ReadCloser, error) {
	return f(src, p)
}

type Registry struct {
	mu       sync.RWMutex
	decoders map[archive.CompressionType]Decoder
}

// NewRegistry returns a registry with every built-in decoder registered.
func NewRegistry() *Registry {
	r := &Registry{decoders: make(map[archive.CompressionType]Decoder)}
	r.Register(archive.CompressionNone, DecoderFunc(newStored))
	r.Register(archive.CompressionDeflate, DecoderFunc(newDeflate))
	r.Register(archive.CompressionBZip2, DecoderFunc(newBZip2))
	r.Register(archive.CompressionLZMA, DecoderFunc(newZipLZMA))
	r.Register(archive.CompressionXz, DecoderFunc(newXz))
	r.Register(archive.CompressionZstd, DecoderFunc(newZstd))
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns a shared registry holding the built-in decoders.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

func (r *Registry) Register(t archive.CompressionType, d Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[t] = d
}

// Lookup returns the decoder for t or an *archive.UnsupportedCodecError.
func (r *Registry) Lookup(t archive.CompressionType) (Decoder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.decoders[t]; ok {
		return d, nil
	}
	return nil, &archive.UnsupportedCodecError{Type: t}
}

// Supports reports whether a decoder is registered for t.
func (r *Registry) Supports(t archive.CompressionType) bool {
	_, err := r.Lookup(t)
	return err == nil
}

func newStored(src io.Reader, _ Params) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

func newDeflate(src io.Reader, _ Params) (io.ReadCloser, error) {
	return flate.NewReader(src), nil
}

func newBZip2(src io.Reader, _ Params) (io.ReadCloser, error) {
	return io.NopCloser(bzip2.NewReader(src)), nil
}

func newXz(src io.Reader, _ Params) (io.ReadCloser, error) {
	xr, err := xz.NewReader(src)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(xr), nil
}

func newZstd(src io.Reader, _ Params) (io.ReadCloser, error) {
	zr, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	return zr.IOReadCloser(), nil
}
