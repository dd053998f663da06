package rtpdemux

import (
	"fmt"

	errors "golang.org/x/xerrors"

	"github.com/lanikai/protectbridge/internal/packet"
)

const rtpVersion = 2

// The fields of an RTP header (RFC 3550 section 5.1) the demuxer reports on.
//
//	 0                   1                   2                   3
//	 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|V=2|P|X|  CC   |M|     PT      |       sequence number         |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|                           timestamp                           |
//	+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
//	|           synchronization source (SSRC) identifier            |
//	+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+=+
type rtpHeader struct {
	marker      bool
	payloadType byte
	sequence    uint16
	timestamp   uint32
	ssrc        uint32
}

func parseRTP(pkt []byte) (h rtpHeader, err error) {
	r := packet.NewReader(pkt)
	if version := r.ReadByte() >> 6; version != rtpVersion {
		return h, errBadVersion(version)
	}
	h.marker, h.payloadType = splitByte17(r.ReadByte())
	h.sequence = r.ReadUint16()
	h.timestamp = r.ReadUint32()
	h.ssrc = r.ReadUint32()
	if err := r.Err(); err != nil {
		return h, errors.Errorf("rtp header: %w", err)
	}
	return h, nil
}

// The common RTCP header (RFC 3550 section 6.4.1), followed by the sender's
// SSRC.
type rtcpHeader struct {
	count      byte
	packetType byte
	length     uint16 // in 32-bit words, minus one
	ssrc       uint32
}

func parseRTCP(pkt []byte) (h rtcpHeader, err error) {
	r := packet.NewReader(pkt)
	b := r.ReadByte()
	if version := b >> 6; version != rtpVersion {
		return h, errBadVersion(version)
	}
	h.count = b & 0x1f
	h.packetType = r.ReadByte()
	h.length = r.ReadUint16()
	h.ssrc = r.ReadUint32()
	if err := r.Err(); err != nil {
		return h, errors.Errorf("rtcp header: %w", err)
	}
	return h, nil
}

var rtcpTypeNames = map[byte]string{
	200: "SR",
	201: "RR",
	202: "SDES",
	203: "BYE",
	204: "APP",
	205: "RTPFB",
	206: "PSFB",
}

func rtcpTypeName(pt byte) string {
	if name, ok := rtcpTypeNames[pt]; ok {
		return name
	}
	return fmt.Sprintf("type %d", pt)
}

type errBadVersion byte

func (v errBadVersion) Error() string {
	return fmt.Sprintf("bad RTP version: %d", byte(v))
}

// Stats counts the packets a demuxer has seen.
type Stats struct {
	RTPPackets  int64
	RTCPPackets int64

	// Packets forwarded whose header could not be parsed.
	Malformed int64

	// Source of the most recent RTP packet.
	SSRC uint32
}
