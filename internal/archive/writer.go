package archive

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

const (
	StreamTypeStdout = "stdout"
	StreamTypeStderr = "stderr"
	StreamTypeError  = "error"
	StreamTypeEntry  = "entry"
)

type ProgressWriter interface {
	WriteMessage(msgType string, data string)
	WriteError(data string)
	WriteStdout(data string)
}

// ProgressListener turns listener callbacks into human readable progress
// messages on a ProgressWriter.
type ProgressListener struct {
	writer    ProgressWriter
	total     int64
	fileCount int
}

func NewProgressListener(writer ProgressWriter) *ProgressListener {
	return &ProgressListener{writer: writer}
}

func (p *ProgressListener) EntryStarted(name string, uncompressed, compressed int64) {
	p.total = uncompressed
	size := "unknown size"
	if uncompressed >= 0 {
		size = humanize.IBytes(uint64(uncompressed))
	}
	p.writer.WriteMessage(StreamTypeEntry, fmt.Sprintf("Extracting %s (%s)", name, size))
}

func (p *ProgressListener) BytesRead(name string, cumulative int64) {
	if p.total <= 0 || cumulative >= p.total {
		return
	}
	p.writer.WriteStdout(fmt.Sprintf("%s: %s / %s", name,
		humanize.IBytes(uint64(cumulative)), humanize.IBytes(uint64(p.total))))
}

func (p *ProgressListener) EntryFinished(name string, err error) {
	if err != nil {
		p.writer.WriteError(fmt.Sprintf("Failed to extract %s: %v", name, err))
		return
	}
	p.fileCount++
	if p.fileCount%100 == 0 {
		p.writer.WriteStdout(fmt.Sprintf("Extracted %d files...", p.fileCount))
	}
}

func (p *ProgressListener) Count() int {
	return p.fileCount
}
