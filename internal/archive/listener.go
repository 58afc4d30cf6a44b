package archive

import (
	"context"
	"io"
)

// Listener receives progress callbacks during extraction. Implementations
// must not block; they run on the extracting goroutine.
type Listener interface {
	EntryStarted(name string, uncompressedSize, compressedSize int64)
	BytesRead(name string, cumulative int64)
	EntryFinished(name string, err error)
}

type NopListener struct{}

func (NopListener) EntryStarted(string, int64, int64) {}
func (NopListener) BytesRead(string, int64)           {}
func (NopListener) EntryFinished(string, error)       {}

// MultiListener fans callbacks out to several listeners in order.
type MultiListener []Listener

func (m MultiListener) EntryStarted(name string, uncompressed, compressed int64) {
	for _, l := range m {
		l.EntryStarted(name, uncompressed, compressed)
	}
}

func (m MultiListener) BytesRead(name string, cumulative int64) {
	for _, l := range m {
		l.BytesRead(name, cumulative)
	}
}

func (m MultiListener) EntryFinished(name string, err error) {
	for _, l := range m {
		l.EntryFinished(name, err)
	}
}

const progressInterval = 256 * 1024

// progressReader reports cumulative bytes to a listener and stops early
// when ctx is cancelled.
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	name     string
	listener Listener
	total    int64
	reported int64
}

func newProgressReader(ctx context.Context, r io.Reader, name string, l Listener) *progressReader {
	return &progressReader{ctx: ctx, r: r, name: name, listener: l}
}

func (p *progressReader) Read(b []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(b)
	p.total += int64(n)
	if p.total-p.reported >= progressInterval || (err == io.EOF && p.total != p.reported) {
		p.reported = p.total
		p.listener.BytesRead(p.name, p.total)
	}
	return n, err
}

// CopyEntry copies one entry payload from r to w, reporting progress.
func CopyEntry(ctx context.Context, w io.Writer, r io.Reader, name string, l Listener) (int64, error) {
	if l == nil {
		l = NopListener{}
	}
	pr := newProgressReader(ctx, r, name, l)
	n, err := io.Copy(w, pr)
	if err == nil && pr.total != pr.reported {
		l.BytesRead(name, pr.total)
	}
	return n, err
}
