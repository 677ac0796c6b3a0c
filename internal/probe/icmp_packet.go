package probe

import (
	"encoding/binary"
	"time"
)

// ICMPv4 message types.
const (
	ICMPv4EchoReply        = 0
	ICMPv4Unreachable      = 3
	ICMPv4EchoRequest      = 8
	ICMPv4TimeExceeded     = 11
	ICMPv4ParameterProblem = 12
)

// ICMPv4 Destination-Unreachable codes.
const (
	ICMPv4NetUnreachable      = 0
	ICMPv4HostUnreachable     = 1
	ICMPv4ProtocolUnreachable = 2
	ICMPv4PortUnreachable     = 3
)

// ICMPPacket represents an ICMPv4 Echo Request/Reply packet.
type ICMPPacket struct {
	Type       uint8
	Code       uint8
	Checksum   uint16
	Identifier uint16
	Sequence   uint16
	Payload    []byte
}

// NewICMPEchoRequest creates a new ICMP Echo Request packet.
func NewICMPEchoRequest(id, seq uint16, payload []byte) *ICMPPacket {
	return &ICMPPacket{
		Type:       ICMPv4EchoRequest,
		Code:       0,
		Identifier: id,
		Sequence:   seq,
		Payload:    payload,
	}
}

// Marshal serializes the ICMP packet to bytes, calculating the checksum.
func (p *ICMPPacket) Marshal() ([]byte, error) {
	buf := make([]byte, 8+len(p.Payload))

	buf[0] = p.Type
	buf[1] = p.Code
	buf[2] = 0
	buf[3] = 0
	binary.BigEndian.PutUint16(buf[4:6], p.Identifier)
	binary.BigEndian.PutUint16(buf[6:8], p.Sequence)

	if len(p.Payload) > 0 {
		copy(buf[8:], p.Payload)
	}

	p.Checksum = Checksum(buf)
	binary.BigEndian.PutUint16(buf[2:4], p.Checksum)

	return buf, nil
}

// ParseICMPPacket parses an ICMP packet from bytes.
func ParseICMPPacket(data []byte) (*ICMPPacket, error) {
	if len(data) < 8 {
		return nil, ErrInvalidPacket
	}

	p := &ICMPPacket{
		Type:       data[0],
		Code:       data[1],
		Checksum:   binary.BigEndian.Uint16(data[2:4]),
		Identifier: binary.BigEndian.Uint16(data[4:6]),
		Sequence:   binary.BigEndian.Uint16(data[6:8]),
	}

	if len(data) > 8 {
		p.Payload = make([]byte, len(data)-8)
		copy(p.Payload, data[8:])
	}

	return p, nil
}

// TimestampPayload creates a payload carrying the send time, per spec.md
// §4.2.1 ("payload includes a send timestamp").
func TimestampPayload(extraData []byte) []byte {
	payload := make([]byte, 8+len(extraData))
	binary.BigEndian.PutUint64(payload[0:8], uint64(time.Now().UnixNano()))
	if len(extraData) > 0 {
		copy(payload[8:], extraData)
	}
	return payload
}

// ExtractTimestamp extracts the send time from a payload built by
// TimestampPayload.
func ExtractTimestamp(payload []byte) (time.Time, bool) {
	if len(payload) < 8 {
		return time.Time{}, false
	}
	nanos := binary.BigEndian.Uint64(payload[0:8])
	return time.Unix(0, int64(nanos)), true
}

// IsEchoReply checks if this is an ICMP Echo Reply.
func (p *ICMPPacket) IsEchoReply() bool { return p.Type == ICMPv4EchoReply }

// IsTimeExceeded checks if this is a Time Exceeded message.
func (p *ICMPPacket) IsTimeExceeded() bool { return p.Type == ICMPv4TimeExceeded }

// IsUnreachable checks if this is a Destination Unreachable message.
func (p *ICMPPacket) IsUnreachable() bool { return p.Type == ICMPv4Unreachable }
