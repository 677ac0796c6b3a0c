package probe

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// udpPortWindow is the width of the rotating destination-port window, per
// spec.md §4.2.3 ("a rotating window of 30 starting at base_port").
const udpPortWindow = 30

// UDPProberConfig holds configuration for the UDP prober.
type UDPProberConfig struct {
	// Timeout is the maximum time to wait for a response.
	Timeout time.Duration

	// BasePort is the starting destination port (default: 33434).
	BasePort int

	// PayloadSize is the size of the UDP payload in bytes.
	PayloadSize int
}

// DefaultUDPProberConfig returns a default UDP prober configuration.
func DefaultUDPProberConfig() UDPProberConfig {
	return UDPProberConfig{
		Timeout:     3 * time.Second,
		BasePort:    33434,
		PayloadSize: 32,
	}
}

// UDPProber implements the Prober interface using UDP packets sent to a
// rotating window of high-numbered ports, correlated via Time-Exceeded /
// Destination-Unreachable ICMP responses.
type UDPProber struct {
	config   UDPProberConfig
	icmpConn *icmp.PacketConn
	udpConn  *net.UDPConn
	sequence uint32
	id       uint16
}

// NewUDPProber creates a new UDP prober.
func NewUDPProber(config UDPProberConfig) (*UDPProber, error) {
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.BasePort == 0 {
		config.BasePort = 33434
	}
	if config.PayloadSize == 0 {
		config.PayloadSize = 32
	}

	icmpConn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, ErrPermissionDenied
	}

	udpConn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		icmpConn.Close()
		return nil, ErrPermissionDenied
	}

	return &UDPProber{
		config:   config,
		icmpConn: icmpConn,
		udpConn:  udpConn,
		id:       uint16(udpConn.LocalAddr().(*net.UDPAddr).Port),
	}, nil
}

// Probe sends a UDP probe with the specified TTL.
func (p *UDPProber) Probe(ctx context.Context, dest net.IP, ttl int) (*Result, error) {
	if ttl < 1 || ttl > 255 {
		return nil, ErrInvalidTTL
	}

	if err := p.setTTL(ttl); err != nil {
		return nil, fmt.Errorf("set TTL: %w", err)
	}

	seq := atomic.AddUint32(&p.sequence, 1)
	destPort := p.config.BasePort + int(seq%udpPortWindow)
	payload := p.buildPayload(seq)

	destAddr := &net.UDPAddr{IP: dest, Port: destPort}

	deadline := time.Now().Add(p.config.Timeout)
	if err := p.icmpConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	sendTime := time.Now()
	if _, err := p.udpConn.WriteToUDP(payload, destAddr); err != nil {
		return nil, fmt.Errorf("send UDP packet: %w", err)
	}

	return p.receiveResponse(ctx, dest, destPort, sendTime)
}

// setTTL sets the TTL on the UDP socket.
func (p *UDPProber) setTTL(ttl int) error {
	rawConn, err := p.udpConn.SyscallConn()
	if err != nil {
		return err
	}

	var setErr error
	err = rawConn.Control(func(fd uintptr) {
		setErr = setIPv4TTL(fd, ttl)
	})
	if err != nil {
		return err
	}
	return setErr
}

// buildPayload encodes the probe identifier, sequence, and send time into
// the UDP payload for correlation robustness, per spec.md §4.2.3.
func (p *UDPProber) buildPayload(seq uint32) []byte {
	payload := make([]byte, p.config.PayloadSize)
	if len(payload) >= 8 {
		binary.BigEndian.PutUint16(payload[0:2], p.id)
		binary.BigEndian.PutUint16(payload[2:4], uint16(seq))
		binary.BigEndian.PutUint32(payload[4:8], uint32(time.Now().UnixNano()))
	}
	return payload
}

// receiveResponse waits for an ICMP response to our UDP probe.
func (p *UDPProber) receiveResponse(ctx context.Context, dest net.IP, destPort int, sendTime time.Time) (*Result, error) {
	buf := make([]byte, 1500)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, peer, err := p.icmpConn.ReadFrom(buf)
		if err != nil {
			if isTimeoutError(err) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("read error: %w", err)
		}

		msg, err := icmp.ParseMessage(1, buf[:n])
		if err != nil {
			continue // discard malformed packets, keep waiting under the same deadline
		}

		if result, ok := p.matchResponse(msg, dest, destPort); ok {
			result.RTT = time.Since(sendTime)
			result.ResponseIP = parseIP(peer)
			return result, nil
		}
	}
}

// matchResponse checks whether an ICMP message is a response to our UDP
// probe. Time-Exceeded is always non-terminal; any Destination-Unreachable
// is terminal — code 3 (Port-Unreachable) is the classical UDP-traceroute
// arrival signal, and per spec.md §4.2.3 other Dest-Unreachable codes also
// count as arrival ("host reached by other means").
func (p *UDPProber) matchResponse(msg *icmp.Message, dest net.IP, destPort int) (*Result, bool) {
	result := &Result{
		ICMPType: int(msg.Type.(ipv4.ICMPType)),
		ICMPCode: msg.Code,
	}

	switch msg.Type {
	case ipv4.ICMPTypeTimeExceeded:
		body, ok := msg.Body.(*icmp.TimeExceeded)
		if !ok || !p.matchOriginalUDP(body.Data, dest, destPort) {
			return nil, false
		}
		result.Terminal = false
		return result, true

	case ipv4.ICMPTypeDestinationUnreachable:
		body, ok := msg.Body.(*icmp.DstUnreach)
		if !ok || !p.matchOriginalUDP(body.Data, dest, destPort) {
			return nil, false
		}
		result.Terminal = true
		return result, true
	}

	return nil, false
}

// matchOriginalUDP checks that the ICMP error embeds our original UDP
// packet: inner protocol is UDP, inner IP-dst == target, and inner UDP
// dst port matches, per spec.md §4.2.3 and the discard invariant in §8
// (a foreign embedded protocol MUST be discarded).
func (p *UDPProber) matchOriginalUDP(data []byte, dest net.IP, destPort int) bool {
	if len(data) < 28 { // 20 (IP) + 8 (UDP)
		return false
	}

	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return false
	}
	if data[9] != 17 { // inner protocol must be UDP
		return false
	}
	udpHeader := data[ihl:]

	dstPort := binary.BigEndian.Uint16(udpHeader[2:4])
	if int(dstPort) != destPort {
		return false
	}

	destIPInPacket := net.IP(data[16:20])
	return destIPInPacket.Equal(dest)
}

// parseIP extracts net.IP from net.Addr.
func parseIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	default:
		return nil
	}
}

// Name returns the probe method name.
func (p *UDPProber) Name() string { return "udp" }

// RequiresRoot returns true as UDP probing requires raw sockets for ICMP.
func (p *UDPProber) RequiresRoot() bool { return true }

// Close releases resources held by the prober.
func (p *UDPProber) Close() error {
	var first error
	if p.icmpConn != nil {
		if err := p.icmpConn.Close(); err != nil {
			first = err
		}
	}
	if p.udpConn != nil {
		if err := p.udpConn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
