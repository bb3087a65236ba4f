package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// CONNACK packet errors.
var (
	ErrInvalidConnackFlags = errors.New("invalid CONNACK flags")
	ErrInvalidReasonCode   = errors.New("invalid reason code for packet type")
	ErrInvalidReturnCode   = errors.New("invalid CONNACK return code")
)

// ConnackPacket is the MQTT CONNACK packet. On v3.1.1 connections the result
// is carried in ReturnCode; on v5.0 in ReasonCode plus Props.
type ConnackPacket struct {
	// SessionPresent indicates a session carried over from a previous
	// connection.
	SessionPresent bool

	// ReturnCode is the v3.1.1 connection result.
	ReturnCode ConnectReturnCode

	// ReasonCode is the v5.0 connection result.
	ReasonCode ReasonCode

	// Props contains the CONNACK properties. v5 only.
	Props Properties
}

// Type returns the packet type.
func (p *ConnackPacket) Type() PacketType {
	return PacketCONNACK
}

// Properties returns a pointer to the packet's properties.
func (p *ConnackPacket) Properties() *Properties {
	return &p.Props
}

// Accepted reports whether the server accepted the connection.
func (p *ConnackPacket) Accepted(version ProtocolVersion) bool {
	if version == MQTTv311 {
		return p.ReturnCode == ConnectAccepted
	}
	return p.ReasonCode.IsSuccess()
}

// Encode writes the packet to the writer.
func (p *ConnackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	var flags byte
	if p.SessionPresent {
		flags = 0x01
	}
	buf.WriteByte(flags)

	if version == MQTTv311 {
		buf.WriteByte(byte(p.ReturnCode))
	} else {
		buf.WriteByte(byte(p.ReasonCode))
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
	}

	header := FixedHeader{
		PacketType:      PacketCONNACK,
		Flags:           0x00,
		RemainingLength: uint32(buf.Len()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// Decode reads the packet from the reader.
func (p *ConnackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketCONNACK {
		return 0, ErrInvalidPacketType
	}

	var totalRead int

	flags, n, err := readByte(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	// Reserved bits must be 0
	if flags&0xFE != 0 {
		return totalRead, ErrInvalidConnackFlags
	}
	p.SessionPresent = flags&0x01 != 0

	code, n, err := readByte(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	if version == MQTTv311 {
		p.ReturnCode = ConnectReturnCode(code)
		return totalRead, nil
	}

	p.ReasonCode = ReasonCode(code)

	if header.RemainingLength > 2 {
		n, err = p.Props.Decode(r, CtxCONNACK)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *ConnackPacket) Validate(version ProtocolVersion) error {
	if version == MQTTv311 {
		if p.ReturnCode > ConnectRefusedNotAuthorized {
			return ErrInvalidReturnCode
		}
		if p.ReturnCode != ConnectAccepted && p.SessionPresent {
			return ErrInvalidConnackFlags
		}
		return nil
	}

	if !p.ReasonCode.ValidForCONNACK() {
		return ErrInvalidReasonCode
	}

	// A refused connection never reports an existing session.
	if p.ReasonCode != ReasonSuccess && p.SessionPresent {
		return ErrInvalidConnackFlags
	}

	return nil
}
