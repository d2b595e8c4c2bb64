package backhaul

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
)

// udpBatchSize bounds how many datagrams one ReadBatch call asks the
// kernel for, grounded on golang.org/x/net/ipv4's batch I/O extensions
// (Linux recvmmsg/sendmmsg) — the corpus's answer to the original's
// platform-specific fastudp::FastUdpSocket fast path.
const udpBatchSize = 32

// UDPBackhaul is the plain (unobfuscated) UDP transport: every session
// datagram is exactly one UDP datagram. Grounded on
// original_source/src/backhaul.rs's Async<UdpSocket> impl of Backhaul.
type UDPBackhaul struct {
	conn  *net.UDPConn
	pconn *ipv4.PacketConn

	queue []ipv4.Message
}

// ListenUDP opens a UDP socket bound to laddr (use ":0" for an ephemeral
// client-side port).
func ListenUDP(laddr string) (*UDPBackhaul, error) {
	addr, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("backhaul: resolving %q: %w", laddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("backhaul: listening on %q: %w", laddr, err)
	}
	return &UDPBackhaul{
		conn:  conn,
		pconn: ipv4.NewPacketConn(conn),
	}, nil
}

// SendTo implements Backhaul. A packet over maxPacketSize (1472 bytes) is
// neither sent nor fragmented: SendTo returns an error for it and logs
// nothing.
func (u *UDPBackhaul) SendTo(packet []byte, dest net.Addr) error {
	if len(packet) > maxPacketSize {
		return fmt.Errorf("backhaul: refusing to send %d-byte packet (max %d)", len(packet), maxPacketSize)
	}
	_, err := u.conn.WriteTo(packet, dest)
	return err
}

// RecvFrom implements Backhaul. It pulls from a small pending queue
// filled via batched recvmmsg-style reads when available, falling back
// to a single ReadFrom otherwise.
func (u *UDPBackhaul) RecvFrom() ([]byte, net.Addr, error) {
	if len(u.queue) == 0 {
		if err := u.fillQueue(); err != nil {
			return nil, nil, err
		}
	}
	if len(u.queue) == 0 {
		return nil, nil, fmt.Errorf("backhaul: no packets available")
	}
	msg := u.queue[0]
	u.queue = u.queue[1:]
	return msg.Buffers[0][:msg.N], msg.Addr, nil
}

func (u *UDPBackhaul) fillQueue() error {
	msgs := make([]ipv4.Message, udpBatchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, maxPacketSize)}
	}
	n, err := u.pconn.ReadBatch(msgs, 0)
	if err != nil {
		// ReadBatch isn't implemented on every platform/kernel; fall back
		// to a single blocking read rather than erroring out entirely.
		buf := make([]byte, maxPacketSize)
		nRead, addr, rerr := u.conn.ReadFrom(buf)
		if rerr != nil {
			return rerr
		}
		u.queue = append(u.queue, ipv4.Message{Buffers: [][]byte{buf}, N: nRead, Addr: addr})
		return nil
	}
	u.queue = append(u.queue, msgs[:n]...)
	return nil
}

// Close implements Backhaul.
func (u *UDPBackhaul) Close() error { return u.conn.Close() }

// LocalAddr returns the socket's bound address, useful when ListenUDP
// was given an ephemeral ":0" port.
func (u *UDPBackhaul) LocalAddr() net.Addr { return u.conn.LocalAddr() }
