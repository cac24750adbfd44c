// Package udp sends every accepted position as a gpsd TPV datagram, for tools on the local
// network that listen for positions instead of connecting to gpsd.
package udp

import (
	"fmt"
	"log/slog"
	"net"

	"pwn-gpsd/internal/protocol"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type (
	resolveFunc func(network, address string) (*net.UDPAddr, error)
	dialFunc    func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)
)

type Broadcaster struct {
	dest string
	conn udpConn
	log  *slog.Logger
}

func NewBroadcaster(dest string, log *slog.Logger) (*Broadcaster, error) {
	b, err := newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		// DialUDP selects a suitable local address automatically.
		return net.DialUDP(network, laddr, raddr)
	})
	if err != nil {
		return nil, err
	}
	if log != nil {
		b.log = log
	}
	return b, nil
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn, log: slog.Default()}, nil
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := b.conn.Write(payload)
	return err
}

// PositionChanged sends tpv as one newline-terminated JSON datagram. Send errors are logged;
// nobody listening is normal for UDP.
func (b *Broadcaster) PositionChanged(tpv protocol.TPV) {
	if !tpv.HasPosition() {
		return
	}
	payload, err := protocol.Encode(tpv)
	if err != nil {
		return
	}
	if err := b.Send(payload); err != nil {
		b.log.Debug("udp position send failed", "dest", b.dest, "error", err)
	}
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
