// Package rtpdemux splits one inbound UDP flow carrying interleaved RTP and
// RTCP into separate RTP and RTCP destinations. FFmpeg can't demultiplex the
// two itself.
package rtpdemux

import (
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	errors "golang.org/x/xerrors"

	"github.com/lanikai/protectbridge/internal/config"
	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("rtpdemux")

const (
	maxPacketSize = 1500

	// DSCP EF, for both the IPv4 TOS byte and the IPv6 traffic class.
	expeditedForwarding = 0xb8
)

// IsRTP classifies a packet by its second byte. Payload types above 90, and
// 0 (PCMU), are media. RTCP packet types 200-204 mask down to 72-76.
func IsRTP(pkt []byte) bool {
	if len(pkt) < 2 {
		return false
	}
	_, pt := splitByte17(pkt[1])
	return pt > 90 || pt == 0
}

//   0 1 2 3 4 5 6 7
//   a b b b b b b b
func splitByte17(v byte) (a1 bool, b7 byte) {
	return v&0x80 != 0, v & 0x7f
}

type Options struct {
	// "ipv4" or "ipv6".
	AddressVersion string

	// Port to receive the combined flow on. Zero picks a free port.
	InputPort int

	// Local destinations.
	RTPPort  int
	RTCPPort int

	// How often the last RTCP packet is replayed to the RTP port while no new
	// one arrives. Zero means config.TwoWayHeartbeatInterval.
	HeartbeatInterval time.Duration

	// Called for every RTP packet, and once more when the demuxer closes.
	OnActivity func()

	// Device name used to attribute log messages.
	Name string
}

type Demuxer struct {
	opts     Options
	log      *logging.Logger
	conn     net.PacketConn
	rtpAddr  *net.UDPAddr
	rtcpAddr *net.UDPAddr

	mu        sync.Mutex
	heartbeat []byte
	timer     *time.Timer
	closed    bool
	stats     Stats

	done chan struct{}
}

// New binds the input port and starts forwarding.
func New(opts Options) (*Demuxer, error) {
	network, loopback := "udp4", net.IPv4(127, 0, 0, 1)
	if opts.AddressVersion == "ipv6" {
		network, loopback = "udp6", net.IPv6loopback
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = config.TwoWayHeartbeatInterval
	}

	conn, err := net.ListenPacket(network, ":"+strconv.Itoa(opts.InputPort))
	if err != nil {
		return nil, errors.Errorf("rtpdemux: binding input port %d: %w", opts.InputPort, err)
	}

	d := &Demuxer{
		opts:     opts,
		log:      log.WithName(opts.Name),
		conn:     conn,
		rtpAddr:  &net.UDPAddr{IP: loopback, Port: opts.RTPPort},
		rtcpAddr: &net.UDPAddr{IP: loopback, Port: opts.RTCPPort},
		done:     make(chan struct{}),
	}
	d.markRealtime(network)

	go d.readLoop()
	return d, nil
}

// Mark forwarded packets for expedited forwarding. Best effort.
func (d *Demuxer) markRealtime(network string) {
	var err error
	if network == "udp6" {
		err = ipv6.NewPacketConn(d.conn).SetTrafficClass(expeditedForwarding)
	} else {
		err = ipv4.NewPacketConn(d.conn).SetTOS(expeditedForwarding)
	}
	if err != nil {
		d.log.Debug("Unable to set DSCP marking: %v", err)
	}
}

// LocalPort returns the bound input port.
func (d *Demuxer) LocalPort() int {
	if addr, ok := d.conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.Port
	}
	return 0
}

// Done is closed when the read loop has terminated.
func (d *Demuxer) Done() <-chan struct{} {
	return d.done
}

// Close stops forwarding and the heartbeat. OnActivity is called one final
// time so that dependents can clean up.
func (d *Demuxer) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()

	err := d.conn.Close()
	d.activity()
	return err
}

func (d *Demuxer) readLoop() {
	defer close(d.done)

	buf := make([]byte, maxPacketSize)
	for {
		n, _, err := d.conn.ReadFrom(buf)
		if err != nil {
			d.mu.Lock()
			closed := d.closed
			d.mu.Unlock()
			if !closed {
				d.log.Error("Demuxer socket error: %v", err)
				d.Close()
			}
			return
		}
		d.dispatch(buf[:n])
	}
}

func (d *Demuxer) dispatch(pkt []byte) {
	if len(pkt) < 2 {
		d.log.Trace(6, "Dropping runt packet of %d bytes", len(pkt))
		return
	}

	if IsRTP(pkt) {
		d.countRTP(pkt)
		d.activity()
		d.send(pkt, d.rtpAddr)
		return
	}

	d.countRTCP(pkt)
	d.resetHeartbeat(append([]byte(nil), pkt...))
	d.send(pkt, d.rtcpAddr)
}

// Stats returns the packet counts so far.
func (d *Demuxer) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Demuxer) countRTP(pkt []byte) {
	h, err := parseRTP(pkt)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.RTPPackets++
	if err != nil {
		d.stats.Malformed++
		d.log.Trace(6, "Forwarding unparseable RTP packet: %v", err)
		return
	}
	if h.ssrc != d.stats.SSRC {
		d.log.Debug("RTP source changed to %08x (payload type %d).", h.ssrc, h.payloadType)
		d.stats.SSRC = h.ssrc
	}
	d.log.Trace(8, "RTP pt=%d seq=%d ts=%d", h.payloadType, h.sequence, h.timestamp)
}

func (d *Demuxer) countRTCP(pkt []byte) {
	h, err := parseRTCP(pkt)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.RTCPPackets++
	if err != nil {
		d.stats.Malformed++
		d.log.Trace(6, "Forwarding unparseable RTCP packet: %v", err)
		return
	}
	d.log.Trace(7, "RTCP %s from %08x (%d words)", rtcpTypeName(h.packetType), h.ssrc, int(h.length)+1)
}

func (d *Demuxer) send(pkt []byte, addr *net.UDPAddr) {
	if _, err := d.conn.WriteTo(pkt, addr); err != nil {
		d.log.Trace(5, "Forward to port %d failed: %v", addr.Port, err)
	}
}

func (d *Demuxer) activity() {
	if d.opts.OnActivity != nil {
		d.opts.OnActivity()
	}
}

// Replay the given control packet to the RTP port until a newer one arrives.
func (d *Demuxer) resetHeartbeat(pkt []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.heartbeat = pkt
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.opts.HeartbeatInterval, d.beat)
}

func (d *Demuxer) beat() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	pkt := d.heartbeat
	d.timer = time.AfterFunc(d.opts.HeartbeatInterval, d.beat)
	d.mu.Unlock()

	d.send(pkt, d.rtpAddr)
}
