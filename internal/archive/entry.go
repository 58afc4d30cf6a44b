package archive

import (
	"fmt"
	"time"
)

// FilePart is one physical fragment of an entry's packed payload.
type FilePart struct {
	VolumePath  string `json:"volume"`
	DataOffset  int64  `json:"offset"`
	PackedSize  int64  `json:"packed_size"`
	SplitBefore bool   `json:"split_before,omitempty"`
	SplitAfter  bool   `json:"split_after,omitempty"`
}

// Entry is the logical unit of extraction. Parts are kept in read order and
// grow as a reader crosses volume boundaries.
type Entry struct {
	Name             string          `json:"name"`
	CompressedSize   int64           `json:"compressed_size"`
	UncompressedSize int64           `json:"uncompressed_size"`
	Compression      CompressionType `json:"compression"`
	IsDirectory      bool            `json:"is_directory,omitempty"`
	IsSolid          bool            `json:"is_solid,omitempty"`
	Modified         time.Time       `json:"modified,omitempty"`
	CRC32            uint32          `json:"-"`
	HasCRC           bool            `json:"-"`
	Mode             uint32          `json:"-"`
	Parts            []FilePart      `json:"parts,omitempty"`
}

// AppendPart records another fragment of the payload. A continuation must
// follow a part that declared SplitAfter.
func (e *Entry) AppendPart(p FilePart) error {
	if n := len(e.Parts); n > 0 {
		last := e.Parts[n-1]
		if !last.SplitAfter || !p.SplitBefore {
			return fmt.Errorf("%w: non-contiguous part for %s in %s", ErrCorruptHeader, e.Name, p.VolumePath)
		}
	}
	e.Parts = append(e.Parts, p)
	e.CompressedSize += p.PackedSize
	return nil
}

// Complete reports whether the last known part ends the payload.
func (e *Entry) Complete() bool {
	return len(e.Parts) > 0 && !e.Parts[len(e.Parts)-1].SplitAfter
}
