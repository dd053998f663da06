package hksv

import (
	"context"
	"io"
	"sync/atomic"
)

// RecordingStream is the lazily produced sequence of fragments for one
// recording. Every stream ends with exactly one packet marked IsLast, unless
// the hub closes it or its context is canceled first. Next must not be called
// concurrently.
type RecordingStream struct {
	d   *RecordingDelegate
	id  int
	ctx context.Context

	begun    bool
	fallback bool
	done     bool
	t        *transmission
}

func (s *RecordingStream) ID() int { return s.id }

// Next returns the next packet. It returns io.EOF once the stream has ended,
// or the context's error if it was canceled.
func (s *RecordingStream) Next() (*RecordingPacket, error) {
	if s.done {
		return nil, io.EOF
	}
	if !s.begun {
		if err := s.ctx.Err(); err != nil {
			s.done = true
			return nil, err
		}
		s.begin()
	}
	if s.fallback {
		s.done = true
		return s.headerPacket(), nil
	}

	t := s.t
	for {
		select {
		case <-s.ctx.Done():
			s.done = true
			return nil, s.ctx.Err()

		case <-t.stopped:
			s.done = true
			return nil, io.EOF

		case seg, ok := <-t.transcoder.Segments():
			if !ok {
				return s.finish()
			}
			if err := s.ctx.Err(); err != nil {
				s.done = true
				return nil, err
			}
			if !s.d.isCurrent(t) {
				s.done = true
				return nil, io.EOF
			}
			// Nothing yet; FFmpeg is catching up.
			if len(seg) == 0 {
				continue
			}

			sent := atomic.AddInt64(&t.sent, 1) - 1
			last := s.d.maxDurationReached(t, sent)
			if last {
				s.done = true
			}
			return &RecordingPacket{Data: seg, IsLast: last}, nil
		}
	}
}

func (s *RecordingStream) begin() {
	s.begun = true
	d := s.d

	if !d.camera.HKSVRecording() {
		d.stopTransmitting(ReasonNormal)
		s.fallback = true
		return
	}

	t, err := d.startTransmitting(s.ctx)
	if err != nil {
		d.log.Error("Unable to begin a HomeKit Secure Video recording: %v", err)
		d.stopTransmitting(ReasonNormal)
		s.fallback = true
		return
	}
	s.t = t
}

// finish terminates a stream whose transcoder output ended without a final
// packet.
func (s *RecordingStream) finish() (*RecordingPacket, error) {
	s.done = true

	if !s.d.isCurrent(s.t) {
		return nil, io.EOF
	}

	if atomic.LoadInt64(&s.t.sent) == 0 {
		s.d.log.Debug("HKSV event recording ending without sending any segments. Transmitting a final packet to ensure we end properly.")
		return s.headerPacket(), nil
	}

	s.d.log.Error("HKSV event recording ending abruptly, likely due to an FFmpeg failure. " +
		"Transmitting a final packet to ensure we end properly.")
	return &RecordingPacket{Data: []byte{}, IsLast: true}, nil
}

// headerPacket is a final packet carrying just the stream header, or nothing
// if there is none.
func (s *RecordingStream) headerPacket() *RecordingPacket {
	data := s.d.timeshift.GetInitSegment(s.ctx)
	if data == nil {
		data = []byte{}
	}
	return &RecordingPacket{Data: data, IsLast: true}
}
