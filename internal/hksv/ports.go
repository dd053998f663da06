package hksv

import (
	"net"

	"github.com/pkg/errors"
)

func udpNetwork(addressVersion string) string {
	if addressVersion == "ipv6" {
		return "udp6"
	}
	return "udp4"
}

// reservePortPair finds a free even port P such that P+1 is free too. The
// ports are released again before returning; whoever uses them binds them.
func reservePortPair(addressVersion string) (even, odd int, err error) {
	evenConn, oddConn, err := bindUDPPair(udpNetwork(addressVersion))
	if err != nil {
		return 0, 0, err
	}
	even = evenConn.LocalAddr().(*net.UDPAddr).Port
	odd = oddConn.LocalAddr().(*net.UDPAddr).Port
	evenConn.Close()
	oddConn.Close()
	return even, odd, nil
}

// Bind an even-numbered UDP port and the odd-numbered port above it, as RTP
// and RTCP conventionally use.
func bindUDPPair(network string) (even, odd *net.UDPConn, err error) {
	for i := 0; i < 20; i++ {
		even, odd, err = tryBindUDPPair(network)
		if err == nil {
			return
		}
	}

	return nil, nil, errors.Wrap(err, "failed to bind even/odd port pair")
}

func tryBindUDPPair(network string) (even, odd *net.UDPConn, err error) {
	// Bind a random local port.
	conn, err := net.ListenUDP(network, new(net.UDPAddr))
	if err != nil {
		return
	}

	// Make a copy of the net.UDPAddr.
	laddr := *conn.LocalAddr().(*net.UDPAddr)

	if laddr.Port%2 == 0 {
		// Randomly assigned port P was even. Use P+1 for the odd port.
		even = conn
		laddr.Port += 1
		odd, err = net.ListenUDP(network, &laddr)
	} else {
		// Randomly assigned port P was odd. Use P-1 for the even port.
		odd = conn
		laddr.Port -= 1
		even, err = net.ListenUDP(network, &laddr)
	}

	if err != nil {
		// Unbind the first port if we failed to bind the second one.
		conn.Close()
	}
	return
}
