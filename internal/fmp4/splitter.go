// Package fmp4 splits a fragmented MP4 byte stream into its initialization
// segment (ftyp+moov) and media segments (moof+mdat).
package fmp4

import (
	"io"

	"github.com/nareix/joy4/format/mp4/mp4io"
	"github.com/nareix/joy4/utils/bits/pio"
	"github.com/pkg/errors"
)

// Tags joy4 doesn't define.
const (
	tagFTYP = mp4io.Tag(0x66747970)
	tagSTYP = mp4io.Tag(0x73747970)
)

const (
	headerSize     = 8
	largeSizeField = 16

	// Default upper bound on the size of a single box.
	DefaultMaxBoxSize = 64 << 20
)

var (
	ErrBoxTooLarge   = errors.New("fmp4: box too large")
	ErrInvalidBox    = errors.New("fmp4: invalid box size")
	ErrUnboundedBox  = errors.New("fmp4: box extends to end of stream")
	errIncompleteBox = errors.New("fmp4: incomplete box")
)

type Segment struct {
	Data []byte

	// True for the initialization segment.
	Init bool
}

// Splitter reassembles boxes from arbitrarily chunked input. It is not safe for
// concurrent use.
type Splitter struct {
	MaxBoxSize int

	buf []byte

	// Boxes accumulated for the segment being assembled.
	init    []byte
	inInit  bool
	pending []byte
}

// Write consumes p and returns any segments completed by it.
func (s *Splitter) Write(p []byte) ([]Segment, error) {
	s.buf = append(s.buf, p...)

	var segments []Segment
	for {
		tag, n, err := s.peekBox()
		if err == errIncompleteBox {
			break
		} else if err != nil {
			s.buf = nil
			return segments, err
		}

		box := make([]byte, n)
		copy(box, s.buf[:n])
		s.buf = s.buf[n:]

		if seg, ok := s.add(tag, box); ok {
			segments = append(segments, seg)
		}
	}

	// Reclaim consumed space.
	if len(s.buf) == 0 {
		s.buf = s.buf[:0:0]
	}
	return segments, nil
}

// Buffered returns the number of bytes held for an incomplete box.
func (s *Splitter) Buffered() int {
	return len(s.buf)
}

func (s *Splitter) peekBox() (mp4io.Tag, int, error) {
	if len(s.buf) < headerSize {
		return 0, 0, errIncompleteBox
	}

	size := uint64(pio.U32BE(s.buf[0:4]))
	tag := mp4io.Tag(pio.U32BE(s.buf[4:8]))
	switch size {
	case 0:
		return tag, 0, ErrUnboundedBox
	case 1:
		if len(s.buf) < largeSizeField {
			return 0, 0, errIncompleteBox
		}
		size = pio.U64BE(s.buf[8:16])
		if size < largeSizeField {
			return tag, 0, ErrInvalidBox
		}
	default:
		if size < headerSize {
			return tag, 0, ErrInvalidBox
		}
	}

	limit := s.MaxBoxSize
	if limit <= 0 {
		limit = DefaultMaxBoxSize
	}
	if size > uint64(limit) {
		return tag, 0, errors.Wrapf(ErrBoxTooLarge, "%s box of %d bytes", tag, size)
	}
	if uint64(len(s.buf)) < size {
		return 0, 0, errIncompleteBox
	}
	return tag, int(size), nil
}

func (s *Splitter) add(tag mp4io.Tag, box []byte) (Segment, bool) {
	switch tag {
	case tagFTYP:
		s.init = box
		s.inInit = true
	case mp4io.MOOV:
		init := append(s.init, box...)
		s.init = nil
		s.inInit = false
		return Segment{Data: init, Init: true}, true
	case mp4io.MDAT:
		seg := append(s.pending, box...)
		s.pending = nil
		return Segment{Data: seg}, true
	case tagSTYP, mp4io.MOOF:
		s.inInit = false
		s.pending = append(s.pending, box...)
	default:
		// sidx, prft, emsg, free and friends ride along with their neighbours.
		if s.inInit {
			s.init = append(s.init, box...)
		} else {
			s.pending = append(s.pending, box...)
		}
	}
	return Segment{}, false
}

// ReadSegments reads r until EOF, calling fn for every complete segment.
// Returns nil at a clean EOF.
func ReadSegments(r io.Reader, maxBoxSize int, fn func(Segment) error) error {
	s := &Splitter{MaxBoxSize: maxBoxSize}
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			segments, serr := s.Write(chunk[:n])
			for _, seg := range segments {
				if ferr := fn(seg); ferr != nil {
					return ferr
				}
			}
			if serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}
