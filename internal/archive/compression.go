package archive

import "fmt"

// CompressionType tags the codec an entry's payload was written with.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionDeflate
	CompressionDeflate64
	CompressionLZMA
	CompressionBZip2
	CompressionPPMd
	CompressionRar
	CompressionBCJ
	CompressionBCJ2
	CompressionLZip
	CompressionXz
	CompressionZstd
	CompressionUnknown
)

func (c CompressionType) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionDeflate:
		return "deflate"
	case CompressionDeflate64:
		return "deflate64"
	case CompressionLZMA:
		return "lzma"
	case CompressionBZip2:
		return "bzip2"
	case CompressionPPMd:
		return "ppmd"
	case CompressionRar:
		return "rar"
	case CompressionBCJ:
		return "bcj"
	case CompressionBCJ2:
		return "bcj2"
	case CompressionLZip:
		return "lzip"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("compression(%d)", int(c))
	}
}

func (c CompressionType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}
