// Package backhaul abstracts over the datagram transports a session's
// packets travel over — plain UDP, or a TCP/TLS-obfuscated stream
// carrying framed datagrams — behind one narrow interface. Grounded on
// original_source/src/backhaul.rs's Backhaul trait.
package backhaul

import (
	"net"
	"time"
)

// maxPacketSize matches spec.md/backhaul.rs's 1472-byte threshold. The
// UDP backend does not send or fragment a larger datagram: its SendTo
// returns an error for it, and nothing is logged.
const maxPacketSize = 1472

// Backhaul is a datagram transport: send one packet to an address, or
// wait for the next inbound packet. Mirrors Go's net.PacketConn shape
// closely by design (the original's docstring calls this out directly),
// but narrowed to exactly what a session needs.
type Backhaul interface {
	SendTo(packet []byte, dest net.Addr) error
	RecvFrom() ([]byte, net.Addr, error)
	Close() error
}

// StatsBackhaul wraps a Backhaul with send/recv byte-count callbacks,
// grounded on backhaul.rs's StatsBackhaul.
type StatsBackhaul struct {
	inner  Backhaul
	onSend func(n int, dest net.Addr)
	onRecv func(n int, src net.Addr)
}

// NewStatsBackhaul wraps inner, invoking onSend/onRecv (either may be
// nil) around every transfer.
func NewStatsBackhaul(inner Backhaul, onSend, onRecv func(n int, addr net.Addr)) *StatsBackhaul {
	return &StatsBackhaul{inner: inner, onSend: onSend, onRecv: onRecv}
}

// SendTo implements Backhaul.
func (s *StatsBackhaul) SendTo(packet []byte, dest net.Addr) error {
	if s.onSend != nil {
		s.onSend(len(packet), dest)
	}
	return s.inner.SendTo(packet, dest)
}

// RecvFrom implements Backhaul.
func (s *StatsBackhaul) RecvFrom() ([]byte, net.Addr, error) {
	b, addr, err := s.inner.RecvFrom()
	if err != nil {
		return nil, nil, err
	}
	if s.onRecv != nil {
		s.onRecv(len(b), addr)
	}
	return b, addr, nil
}

// Close implements Backhaul.
func (s *StatsBackhaul) Close() error { return s.inner.Close() }

// dialTimeout bounds how long a TCP backend's initial connect waits,
// grounded on tcp/client.rs's connect-with-timeout pattern.
const dialTimeout = 10 * time.Second
