package archive

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Cursor is a forward-only reader that tracks its absolute offset, so
// header decoders can be checked against the bytes they consumed.
type Cursor struct {
	br     *bufio.Reader
	offset int64
}

func NewCursor(r io.Reader, offset int64) *Cursor {
	if br, ok := r.(*bufio.Reader); ok {
		return &Cursor{br: br, offset: offset}
	}
	return &Cursor{br: bufio.NewReaderSize(r, 64*1024), offset: offset}
}

func (c *Cursor) Offset() int64 {
	return c.offset
}

func (c *Cursor) Read(p []byte) (int, error) {
	n, err := c.br.Read(p)
	c.offset += int64(n)
	return n, err
}

func (c *Cursor) ReadByte() (byte, error) {
	b, err := c.br.ReadByte()
	if err == nil {
		c.offset++
	}
	return b, err
}

// Peek returns the next n bytes without consuming them.
func (c *Cursor) Peek(n int) ([]byte, error) {
	return c.br.Peek(n)
}

func (c *Cursor) Discard(n int64) error {
	for n > 0 {
		step := n
		if step > 1<<30 {
			step = 1 << 30
		}
		d, err := c.br.Discard(int(step))
		c.offset += int64(d)
		n -= int64(d)
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// Bytes reads exactly n bytes.
func (c *Cursor) Bytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("%w: negative length %d", ErrCorruptHeader, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func (c *Cursor) Uint16() (uint16, error) {
	b, err := c.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (c *Cursor) Uint32() (uint32, error) {
	b, err := c.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Decoder reads little-endian fields from an in-memory header body and
// remembers the first short read, so callers check once at the end.
type Decoder struct {
	buf []byte
	pos int
	err error
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("%w: header truncated at byte %d", ErrCorruptHeader, d.pos)
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Uint8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *Decoder) Uint16() uint16 {
	if b := d.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (d *Decoder) Uint32() uint32 {
	if b := d.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (d *Decoder) Uint64() uint64 {
	if b := d.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (d *Decoder) Bytes(n int) []byte {
	return d.take(n)
}

// Varint reads a RAR5 style variable-length integer: seven bits per byte,
// high bit set on every byte but the last.
func (d *Decoder) Varint() uint64 {
	var v uint64
	for i := 0; i < 10; i++ {
		b := d.take(1)
		if b == nil {
			return 0
		}
		v |= uint64(b[0]&0x7f) << (7 * i)
		if b[0]&0x80 == 0 {
			return v
		}
	}
	if d.err == nil {
		d.err = fmt.Errorf("%w: varint too long", ErrCorruptHeader)
	}
	return 0
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

func (d *Decoder) Pos() int {
	return d.pos
}

func (d *Decoder) Err() error {
	return d.err
}
