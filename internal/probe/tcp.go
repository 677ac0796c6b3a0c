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

// tcpSrcPortBase and tcpSrcPortWindow implement the resolution of
// spec.md §9's port-rotation open question: the source port rotates
// monotonically across the full ephemeral window [32768, 65536) and
// wraps back to 32768, rather than capping at 60999.
const (
	tcpSrcPortBase   = 32768
	tcpSrcPortWindow = 65536 - tcpSrcPortBase
)

// TCPProberConfig holds configuration for the TCP prober.
type TCPProberConfig struct {
	// Timeout is the maximum time to wait for a response.
	Timeout time.Duration

	// Port is the destination port (default: 80, per spec.md §6).
	Port int
}

// DefaultTCPProberConfig returns a default TCP prober configuration.
func DefaultTCPProberConfig() TCPProberConfig {
	return TCPProberConfig{
		Timeout: 3 * time.Second,
		Port:    80,
	}
}

// TCPProber implements the Prober interface using TCP SYN packets.
// It sends TCP SYN packets and listens for:
//   - ICMP Time Exceeded (intermediate hops)
//   - TCP SYN-ACK or RST (destination reached)
type TCPProber struct {
	config   TCPProberConfig
	icmpConn *icmp.PacketConn
	rawConn  net.PacketConn
	localIP  net.IP
	srcPort  uint32 // rotating counter, see tcpSrcPortBase/tcpSrcPortWindow
	sequence uint32
}

// NewTCPProber creates a new TCP SYN prober.
func NewTCPProber(config TCPProberConfig) (*TCPProber, error) {
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}
	if config.Port == 0 {
		config.Port = 80
	}

	icmpConn, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, ErrPermissionDenied
	}

	rawConn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		icmpConn.Close()
		return nil, ErrPermissionDenied
	}

	return &TCPProber{
		config:  config,
		icmpConn: icmpConn,
		rawConn:  rawConn,
		localIP:  getOutboundIP(),
	}, nil
}

// Probe sends a TCP SYN probe with the specified TTL.
func (p *TCPProber) Probe(ctx context.Context, dest net.IP, ttl int) (*Result, error) {
	if ttl < 1 || ttl > 255 {
		return nil, ErrInvalidTTL
	}

	if err := p.setTTL(ttl); err != nil {
		return nil, fmt.Errorf("set TTL: %w", err)
	}

	seq := atomic.AddUint32(&p.sequence, 1)
	srcPort := uint16(tcpSrcPortBase + (atomic.AddUint32(&p.srcPort, 1) % tcpSrcPortWindow))

	packet := p.buildSYNPacket(p.localIP, dest, srcPort, uint16(p.config.Port), seq)

	deadline := time.Now().Add(p.config.Timeout)
	if err := p.icmpConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set ICMP deadline: %w", err)
	}
	if err := p.rawConn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set TCP deadline: %w", err)
	}

	sendTime := time.Now()
	if _, err := p.rawConn.WriteTo(packet, &net.IPAddr{IP: dest}); err != nil {
		return nil, fmt.Errorf("send TCP SYN: %w", err)
	}

	return p.receiveResponse(ctx, dest, srcPort, sendTime)
}

// setTTL sets the TTL on the raw TCP socket.
func (p *TCPProber) setTTL(ttl int) error {
	conn, ok := p.rawConn.(*net.IPConn)
	if !ok {
		return fmt.Errorf("unsupported connection type")
	}

	rawConn, err := conn.SyscallConn()
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

// buildSYNPacket creates a TCP SYN packet.
func (p *TCPProber) buildSYNPacket(src, dst net.IP, srcPort, dstPort uint16, seq uint32) []byte {
	tcp := make([]byte, 20)

	binary.BigEndian.PutUint16(tcp[0:2], srcPort)
	binary.BigEndian.PutUint16(tcp[2:4], dstPort)
	binary.BigEndian.PutUint32(tcp[4:8], seq)
	binary.BigEndian.PutUint32(tcp[8:12], 0) // ack number, unused on SYN
	tcp[12] = 0x50                           // data offset = 5 (20 bytes)
	tcp[13] = 0x02                           // SYN flag
	binary.BigEndian.PutUint16(tcp[14:16], 65535)
	binary.BigEndian.PutUint16(tcp[16:18], 0) // checksum, filled below
	binary.BigEndian.PutUint16(tcp[18:20], 0) // urgent pointer

	checksum := p.tcpChecksum(src, dst, tcp)
	binary.BigEndian.PutUint16(tcp[16:18], checksum)

	return tcp
}

// tcpChecksum calculates the TCP checksum over the IPv4 pseudo-header
// followed by the TCP header, per spec.md §4.2.2.
func (p *TCPProber) tcpChecksum(src, dst net.IP, tcpHeader []byte) uint16 {
	pseudoHeader := make([]byte, 12)
	copy(pseudoHeader[0:4], src.To4())
	copy(pseudoHeader[4:8], dst.To4())
	pseudoHeader[8] = 0
	pseudoHeader[9] = 6 // TCP protocol number
	binary.BigEndian.PutUint16(pseudoHeader[10:12], uint16(len(tcpHeader)))

	data := append(pseudoHeader, tcpHeader...)
	return Checksum(data)
}

// receiveResponse waits for either an ICMP Time-Exceeded/Dest-Unreachable
// or a raw TCP SYN-ACK/RST, whichever matches our probe first.
func (p *TCPProber) receiveResponse(ctx context.Context, dest net.IP, srcPort uint16, sendTime time.Time) (*Result, error) {
	icmpBuf := make([]byte, 1500)
	tcpBuf := make([]byte, 1500)

	icmpChan := make(chan *Result, 1)
	tcpChan := make(chan *Result, 1)
	errChan := make(chan error, 2)

	go func() {
		for {
			n, peer, err := p.icmpConn.ReadFrom(icmpBuf)
			if err != nil {
				if isTimeoutError(err) {
					errChan <- ErrTimeout
				}
				return
			}
			if result, ok := p.parseICMPResponse(icmpBuf[:n], dest, srcPort); ok {
				result.RTT = time.Since(sendTime)
				result.ResponseIP = parseIP(peer)
				icmpChan <- result
				return
			}
		}
	}()

	go func() {
		for {
			n, peer, err := p.rawConn.ReadFrom(tcpBuf)
			if err != nil {
				return
			}
			if result, ok := p.parseTCPResponse(tcpBuf[:n], srcPort); ok {
				result.RTT = time.Since(sendTime)
				result.ResponseIP = parseIP(peer)
				tcpChan <- result
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-icmpChan:
		return result, nil
	case result := <-tcpChan:
		return result, nil
	case err := <-errChan:
		return nil, err
	}
}

// parseICMPResponse parses an ICMP response for our TCP probe.
func (p *TCPProber) parseICMPResponse(data []byte, dest net.IP, srcPort uint16) (*Result, bool) {
	msg, err := icmp.ParseMessage(1, data)
	if err != nil {
		return nil, false
	}

	result := &Result{}

	switch msg.Type {
	case ipv4.ICMPTypeTimeExceeded:
		body, ok := msg.Body.(*icmp.TimeExceeded)
		if !ok || !p.matchOriginalTCP(body.Data, dest, srcPort) {
			return nil, false
		}
		result.Terminal = false
		result.ICMPType = int(msg.Type.(ipv4.ICMPType))
		result.ICMPCode = msg.Code
		return result, true

	case ipv4.ICMPTypeDestinationUnreachable:
		body, ok := msg.Body.(*icmp.DstUnreach)
		if !ok || !p.matchOriginalTCP(body.Data, dest, srcPort) {
			return nil, false
		}
		result.Terminal = true
		result.ICMPType = int(msg.Type.(ipv4.ICMPType))
		result.ICMPCode = msg.Code
		return result, true
	}

	return nil, false
}

// matchOriginalTCP checks if the embedded packet in an ICMP error is our
// original TCP SYN: inner protocol is TCP, inner IP-dst == target, and
// inner TCP ports match, per spec.md §8's correlation invariant — a
// Time-Exceeded/Dest-Unreachable whose embedded packet doesn't match
// MUST be discarded.
func (p *TCPProber) matchOriginalTCP(data []byte, dest net.IP, srcPort uint16) bool {
	if len(data) < 28 { // IP header + TCP header
		return false
	}

	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl+8 {
		return false
	}
	if data[9] != 6 { // inner protocol must be TCP
		return false
	}
	tcpHeader := data[ihl:]

	pktSrcPort := binary.BigEndian.Uint16(tcpHeader[0:2])
	if pktSrcPort != srcPort {
		return false
	}
	pktDstPort := binary.BigEndian.Uint16(tcpHeader[2:4])
	if int(pktDstPort) != p.config.Port {
		return false
	}

	destIPInPacket := net.IP(data[16:20])
	return destIPInPacket.Equal(dest)
}

// parseTCPResponse parses a raw TCP response (SYN-ACK or RST).
func (p *TCPProber) parseTCPResponse(data []byte, srcPort uint16) (*Result, bool) {
	if len(data) < 20 {
		return nil, false
	}

	pktSrcPort := binary.BigEndian.Uint16(data[0:2])
	pktDstPort := binary.BigEndian.Uint16(data[2:4])
	flags := data[13]

	if int(pktSrcPort) != p.config.Port || pktDstPort != srcPort {
		return nil, false
	}

	synAck := flags&0x12 == 0x12 // SYN + ACK
	rst := flags&0x04 == 0x04    // RST
	if !synAck && !rst {
		return nil, false
	}

	return &Result{Terminal: true}, true
}

// Name returns the probe method name.
func (p *TCPProber) Name() string { return "tcp" }

// RequiresRoot returns true as TCP raw sockets require elevated privileges.
func (p *TCPProber) RequiresRoot() bool { return true }

// Close releases resources held by the prober.
func (p *TCPProber) Close() error {
	var first error
	if p.icmpConn != nil {
		if err := p.icmpConn.Close(); err != nil {
			first = err
		}
	}
	if p.rawConn != nil {
		if err := p.rawConn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// getOutboundIP determines the local source address by connecting a dummy
// UDP socket to a well-known host and reading the local endpoint — this
// queries kernel routing without sending any packet, per spec.md §4.2.2.
func getOutboundIP() net.IP {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return net.ParseIP("0.0.0.0")
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}
