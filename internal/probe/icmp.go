package probe

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// ICMPProber implements the Prober interface using ICMP Echo requests.
type ICMPProber struct {
	conn       *icmp.PacketConn
	identifier uint16
	sequence   uint32
	timeout    time.Duration
}

// ICMPProberConfig holds configuration for the ICMP prober.
type ICMPProberConfig struct {
	Timeout time.Duration

	// Identifier is the 16-bit ICMP identifier. If 0, the process ID
	// (masked to 16 bits) is used, per spec.md §9's discussion of the
	// identifier-collision open question.
	Identifier uint16
}

// NewICMPProber creates a new ICMP prober. It opens a raw ICMP socket,
// falling back to an unprivileged "datagram" ICMP socket (golang.org/x/net's
// "udp4" network) when raw sockets are unavailable to the process — this is
// the concrete implementation of the host-provided-echo-service platform
// note in spec.md §4.2.1: both paths return through the same Result type
// with identical terminal/non-terminal/timeout semantics.
func NewICMPProber(config ICMPProberConfig) (*ICMPProber, error) {
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}

	identifier := config.Identifier
	if identifier == 0 {
		identifier = uint16(os.Getpid() & 0xffff)
	}

	p := &ICMPProber{
		identifier: identifier,
		timeout:    config.Timeout,
	}

	conn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		conn, err = icmp.ListenPacket("udp4", "0.0.0.0")
	}
	if err != nil {
		return nil, ErrPermissionDenied
	}
	p.conn = conn

	return p, nil
}

// Probe sends an ICMP Echo Request with the given TTL and waits for a response.
func (p *ICMPProber) Probe(ctx context.Context, dest net.IP, ttl int) (*Result, error) {
	if ttl < 1 || ttl > 255 {
		return nil, ErrInvalidTTL
	}
	if p.conn == nil {
		return nil, ErrSocketClosed
	}

	if err := p.conn.IPv4PacketConn().SetTTL(ttl); err != nil {
		return nil, err
	}

	seq := uint16(atomic.AddUint32(&p.sequence, 1))
	payload := TimestampPayload(nil)

	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   int(p.identifier),
			Seq:  int(seq),
			Data: payload,
		},
	}

	msgBytes, err := msg.Marshal(nil)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	p.conn.SetDeadline(deadline)

	sendTime := time.Now()
	if _, err := p.conn.WriteTo(msgBytes, &net.IPAddr{IP: dest}); err != nil {
		return nil, err
	}

	return p.waitForResponse(ctx, seq, sendTime)
}

// waitForResponse reads datagrams until a correlated response arrives or
// the deadline (already set on the socket) elapses. Uncorrelated datagrams
// are discarded and the loop continues under the same deadline, per
// spec.md §4.2.1.
func (p *ICMPProber) waitForResponse(ctx context.Context, expectedSeq uint16, sendTime time.Time) (*Result, error) {
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, peer, err := p.conn.ReadFrom(buf)
		if err != nil {
			if isTimeoutError(err) {
				return nil, ErrTimeout
			}
			return nil, err
		}

		if result, matched := p.parseResponse(buf[:n], peer, expectedSeq, sendTime); matched {
			return result, nil
		}
	}
}

// parseResponse parses an ICMP response and checks if it matches our probe.
func (p *ICMPProber) parseResponse(data []byte, peer net.Addr, expectedSeq uint16, sendTime time.Time) (*Result, bool) {
	msg, err := icmp.ParseMessage(1, data)
	if err != nil {
		return nil, false
	}

	rtt := time.Since(sendTime)
	peerIP := extractIP(peer)

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply:
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return nil, false
		}
		if uint16(echo.ID) != p.identifier || uint16(echo.Seq) != expectedSeq {
			return nil, false
		}
		return &Result{
			ResponseIP: peerIP,
			RTT:        rtt,
			ICMPType:   int(msg.Type.(ipv4.ICMPType)),
			ICMPCode:   msg.Code,
			Terminal:   true,
		}, true

	case ipv4.ICMPTypeTimeExceeded:
		return p.parseEmbedded(msg, peerIP, rtt, expectedSeq, false)

	case ipv4.ICMPTypeDestinationUnreachable:
		return p.parseEmbedded(msg, peerIP, rtt, expectedSeq, true)
	}

	return nil, false
}

// parseEmbedded validates the embedded original IP header + ICMP header
// carried by a Time-Exceeded or Destination-Unreachable message against
// our outstanding probe's identifier and sequence.
func (p *ICMPProber) parseEmbedded(msg *icmp.Message, peerIP net.IP, rtt time.Duration, expectedSeq uint16, terminal bool) (*Result, bool) {
	var origData []byte
	switch body := msg.Body.(type) {
	case *icmp.TimeExceeded:
		origData = body.Data
	case *icmp.DstUnreach:
		origData = body.Data
	default:
		return nil, false
	}

	if len(origData) < 28 { // 20 (IP) + 8 (ICMP header)
		return nil, false
	}

	ipHeaderLen := int(origData[0]&0x0f) * 4
	if len(origData) < ipHeaderLen+8 {
		return nil, false
	}

	icmpHeader := origData[ipHeaderLen:]
	if icmpHeader[0] != ICMPv4EchoRequest {
		return nil, false
	}

	origID := binary.BigEndian.Uint16(icmpHeader[4:6])
	origSeq := binary.BigEndian.Uint16(icmpHeader[6:8])
	if origID != p.identifier || origSeq != expectedSeq {
		return nil, false
	}

	return &Result{
		ResponseIP: peerIP,
		RTT:        rtt,
		ICMPType:   int(msg.Type.(ipv4.ICMPType)),
		ICMPCode:   msg.Code,
		Terminal:   terminal,
	}, true
}

// Name returns the probe method name.
func (p *ICMPProber) Name() string { return "icmp" }

// RequiresRoot returns true as ICMP raw sockets typically require elevated privileges.
func (p *ICMPProber) RequiresRoot() bool { return true }

// Close releases resources held by the prober.
func (p *ICMPProber) Close() error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}

func extractIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.IPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	default:
		return nil
	}
}

func isTimeoutError(err error) bool {
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout()
	}
	return false
}
