package fmp4

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func box(tag string, payload string) []byte {
	b := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(b, uint32(len(b)))
	copy(b[4:8], tag)
	copy(b[8:], payload)
	return b
}

func concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

func TestSplitterSegments(t *testing.T) {
	init := concat(box("ftyp", "isom"), box("moov", "tracks"))
	media1 := concat(box("moof", "1"), box("mdat", "frames-1"))
	media2 := concat(box("styp", "msdh"), box("moof", "2"), box("mdat", "frames-2"))
	stream := concat(init, media1, media2)

	// Feed the stream in awkward chunk sizes.
	for _, size := range []int{1, 3, 7, 64, len(stream)} {
		var s Splitter
		var got []Segment
		for i := 0; i < len(stream); i += size {
			end := i + size
			if end > len(stream) {
				end = len(stream)
			}
			segs, err := s.Write(stream[i:end])
			require.NoError(t, err)
			got = append(got, segs...)
		}

		if assert.Len(t, got, 3, "chunk size %d", size) {
			assert.True(t, got[0].Init)
			assert.Equal(t, init, got[0].Data)
			assert.False(t, got[1].Init)
			assert.Equal(t, media1, got[1].Data)
			assert.Equal(t, media2, got[2].Data)
		}
		assert.Equal(t, 0, s.Buffered())
	}
}

func TestSplitterLargeSize(t *testing.T) {
	payload := "xyz"
	b := make([]byte, 16+len(payload))
	binary.BigEndian.PutUint32(b, 1)
	copy(b[4:8], "mdat")
	binary.BigEndian.PutUint64(b[8:16], uint64(len(b)))
	copy(b[16:], payload)

	var s Splitter
	segs, err := s.Write(concat(box("moof", "a"), b))
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, concat(box("moof", "a"), b), segs[0].Data)
}

func TestSplitterErrors(t *testing.T) {
	s := Splitter{MaxBoxSize: 32}
	_, err := s.Write(box("mdat", string(make([]byte, 64))))
	assert.True(t, errors.Is(err, ErrBoxTooLarge))

	bad := box("moof", "")
	binary.BigEndian.PutUint32(bad, 4)
	_, err = new(Splitter).Write(bad)
	assert.Equal(t, ErrInvalidBox, err)

	unbounded := box("mdat", "")
	binary.BigEndian.PutUint32(unbounded, 0)
	_, err = new(Splitter).Write(unbounded)
	assert.Equal(t, ErrUnboundedBox, err)
}

func TestReadSegments(t *testing.T) {
	stream := concat(box("ftyp", "a"), box("moov", "b"), box("moof", "c"), box("mdat", "d"))

	var got []Segment
	err := ReadSegments(bytes.NewReader(stream), 0, func(seg Segment) error {
		got = append(got, seg)
		return nil
	})
	assert.NoError(t, err)
	assert.Len(t, got, 2)

	stop := errors.New("stop")
	err = ReadSegments(bytes.NewReader(stream), 0, func(Segment) error { return stop })
	assert.Equal(t, stop, err)
}
