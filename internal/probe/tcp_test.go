package probe

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestDefaultTCPProberConfig(t *testing.T) {
	config := DefaultTCPProberConfig()

	if config.Timeout != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", config.Timeout)
	}
	if config.Port != 80 {
		t.Errorf("Port = %d, want 80", config.Port)
	}
}

func TestNewTCPProber(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	config := DefaultTCPProberConfig()
	prober, err := NewTCPProber(config)
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	if prober.Name() != "tcp" {
		t.Errorf("Name() = %q, want %q", prober.Name(), "tcp")
	}

	if !prober.RequiresRoot() {
		t.Error("RequiresRoot() should return true")
	}
}

func TestTCPProber_InvalidTTL(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	config := DefaultTCPProberConfig()
	prober, err := NewTCPProber(config)
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	ctx := context.Background()
	dest := net.ParseIP("127.0.0.1")

	// Test TTL = 0 (invalid)
	_, err = prober.Probe(ctx, dest, 0)
	if err != ErrInvalidTTL {
		t.Errorf("Probe(ttl=0) error = %v, want ErrInvalidTTL", err)
	}

	// Test TTL = 256 (invalid)
	_, err = prober.Probe(ctx, dest, 256)
	if err != ErrInvalidTTL {
		t.Errorf("Probe(ttl=256) error = %v, want ErrInvalidTTL", err)
	}
}

func TestTCPProber_BuildSYNPacket(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	config := DefaultTCPProberConfig()
	prober, err := NewTCPProber(config)
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	src := net.ParseIP("192.168.1.1")
	dst := net.ParseIP("8.8.8.8")
	srcPort := uint16(12345)
	dstPort := uint16(80)
	seq := uint32(1)

	packet := prober.buildSYNPacket(src, dst, srcPort, dstPort, seq)

	// Check packet length (20 bytes TCP header)
	if len(packet) != 20 {
		t.Errorf("Packet length = %d, want 20", len(packet))
	}

	// Check source port
	pktSrcPort := uint16(packet[0])<<8 | uint16(packet[1])
	if pktSrcPort != srcPort {
		t.Errorf("Source port = %d, want %d", pktSrcPort, srcPort)
	}

	// Check destination port
	pktDstPort := uint16(packet[2])<<8 | uint16(packet[3])
	if pktDstPort != dstPort {
		t.Errorf("Destination port = %d, want %d", pktDstPort, dstPort)
	}

	// Check SYN flag (byte 13, bit 1)
	if packet[13] != 0x02 {
		t.Errorf("Flags = 0x%02x, want 0x02 (SYN)", packet[13])
	}

	// Check data offset (byte 12, upper nibble should be 5)
	dataOffset := packet[12] >> 4
	if dataOffset != 5 {
		t.Errorf("Data offset = %d, want 5", dataOffset)
	}
}

func TestTCPProber_Port443(t *testing.T) {
	if !canCreateRawSocketTCP() {
		t.Skip("Skipping: requires elevated privileges")
	}

	config := TCPProberConfig{
		Timeout: 2 * time.Second,
		Port:    443,
	}

	prober, err := NewTCPProber(config)
	if err != nil {
		t.Fatalf("NewTCPProber() error = %v", err)
	}
	defer prober.Close()

	if prober.config.Port != 443 {
		t.Errorf("Port = %d, want 443", prober.config.Port)
	}
}

func TestGetOutboundIP(t *testing.T) {
	ip := getOutboundIP()

	if ip == nil {
		t.Error("getOutboundIP() returned nil")
		return
	}

	// Should be a valid IPv4 address
	if ip.To4() == nil && !ip.Equal(net.ParseIP("0.0.0.0")) {
		t.Errorf("Expected IPv4 address, got %v", ip)
	}

	t.Logf("Outbound IP: %v", ip)
}

func TestTCPProber_MatchOriginalTCP(t *testing.T) {
	p := &TCPProber{config: TCPProberConfig{Port: 80}}

	dest := net.ParseIP("93.184.216.34")
	const srcPort = uint16(34567)

	// innerIPHeader builds a 20-byte IPv4 header with the given protocol
	// and destination address, no options.
	innerIPHeader := func(proto byte, dst net.IP) []byte {
		h := make([]byte, 20)
		h[0] = 0x45 // version 4, IHL 5 (20 bytes)
		h[9] = proto
		copy(h[16:20], dst.To4())
		return h
	}

	innerTCPHeader := func(src, dst uint16) []byte {
		h := make([]byte, 8)
		h[0], h[1] = byte(src>>8), byte(src)
		h[2], h[3] = byte(dst>>8), byte(dst)
		return h
	}

	tests := []struct {
		name  string
		proto byte
		dst   net.IP
		src   uint16
		dport uint16
		want  bool
	}{
		{"matches", 6, dest, srcPort, 80, true},
		{"wrong inner protocol (ICMP)", 1, dest, srcPort, 80, false},
		{"wrong inner protocol (UDP)", 17, dest, srcPort, 80, false},
		{"wrong src port", 6, dest, srcPort + 1, 80, false},
		{"wrong dst port", 6, dest, srcPort, 443, false},
		{"wrong dest IP", 6, net.ParseIP("1.2.3.4"), srcPort, 80, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := append(innerIPHeader(tt.proto, tt.dst), innerTCPHeader(tt.src, tt.dport)...)
			got := p.matchOriginalTCP(data, dest, srcPort)
			if got != tt.want {
				t.Errorf("matchOriginalTCP() = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("truncated data", func(t *testing.T) {
		if p.matchOriginalTCP([]byte{1, 2, 3}, dest, srcPort) {
			t.Error("matchOriginalTCP() on truncated data = true, want false")
		}
	})
}

// canCreateRawSocketTCP checks if we have privileges for raw TCP sockets.
func canCreateRawSocketTCP() bool {
	// Try to create a raw TCP socket
	conn, err := net.ListenPacket("ip4:tcp", "0.0.0.0")
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
