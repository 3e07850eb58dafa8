package link

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

// ListenBroadcastUDP binds an IPv4 UDP socket with SO_BROADCAST set so the
// same socket serves both unicast and 255.255.255.255 sends. Port 0 binds
// an ephemeral port, used by discovery probe attempts.
func ListenBroadcastUDP(port int) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Annotatef(err, "listen udp4 port=%d", port)
	}
	return pc.(*net.UDPConn), nil
}

func setBroadcast(network, address string, raw syscall.RawConn) error {
	var opErr error
	err := raw.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// BroadcastAddr is the all-ones destination for the given port.
func BroadcastAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4bcast, Port: port}
}
