package packet

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestReader(t *testing.T) {
	r := NewReader([]byte{0x80, 0x01, 0x02, 0xde, 0xad, 0xbe, 0xef, 0xff})
	assert.Equal(t, byte(0x80), r.ReadByte())
	assert.Equal(t, uint16(0x0102), r.ReadUint16())
	assert.Equal(t, uint32(0xdeadbeef), r.ReadUint32())
	assert.Equal(t, 1, r.Remaining())
	assert.NoError(t, r.Err())

	// Past the end, reads yield zero and the error sticks.
	assert.Equal(t, uint16(0), r.ReadUint16())
	assert.True(t, errors.Is(r.Err(), ErrShortBuffer))
	assert.Equal(t, byte(0), r.ReadByte())
	assert.Nil(t, r.ReadSlice(1))
	assert.True(t, errors.Is(r.Err(), ErrShortBuffer))
}

func TestReaderSkip(t *testing.T) {
	r := NewReader([]byte{1, 2, 3, 4})
	r.Skip(2)
	assert.Equal(t, []byte{3, 4}, r.ReadSlice(2))
	assert.Equal(t, 0, r.Remaining())
	assert.NoError(t, r.Err())
}
