// Package packet reads big-endian wire formats.
package packet

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var networkOrder = binary.BigEndian

var ErrShortBuffer = errors.New("short buffer")

// Reader consumes a byte slice front to back. The first read past the end
// sets Err; later reads return zero values.
type Reader struct {
	buffer []byte
	offset int
	err    error
}

func NewReader(buffer []byte) *Reader {
	return &Reader{buffer: buffer}
}

// Err returns the first read error, if any.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.Remaining() < n {
		r.err = errors.Wrapf(ErrShortBuffer, "%d bytes remaining, %d needed", r.Remaining(), n)
		return nil
	}
	v := r.buffer[r.offset : r.offset+n]
	r.offset += n
	return v
}

func (r *Reader) ReadByte() byte {
	if v := r.take(1); v != nil {
		return v[0]
	}
	return 0
}

func (r *Reader) ReadUint16() uint16 {
	if v := r.take(2); v != nil {
		return networkOrder.Uint16(v)
	}
	return 0
}

func (r *Reader) ReadUint32() uint32 {
	if v := r.take(4); v != nil {
		return networkOrder.Uint32(v)
	}
	return 0
}

func (r *Reader) ReadSlice(n int) []byte {
	return r.take(n)
}

func (r *Reader) Skip(n int) {
	r.take(n)
}

// Return the number of bytes left in the buffer.
func (r *Reader) Remaining() int {
	return len(r.buffer) - r.offset
}
