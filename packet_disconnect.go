package mqttc

import (
	"bytes"
	"io"
)

// DisconnectPacket is the MQTT DISCONNECT packet. On v3.1.1 connections it
// has no body; ReasonCode and Props apply to v5.0 only.
type DisconnectPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns the packet type.
func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Properties returns a pointer to the packet's properties.
func (p *DisconnectPacket) Properties() *Properties { return &p.Props }

// Encode writes the packet to the writer.
func (p *DisconnectPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	// Reason code and properties are elided on success with no properties.
	if version == MQTTv5 && (p.ReasonCode != ReasonSuccess || p.Props.Len() > 0) {
		buf.WriteByte(byte(p.ReasonCode))

		if p.Props.Len() > 0 {
			if _, err := p.Props.Encode(&buf); err != nil {
				return 0, err
			}
		}
	}

	header := FixedHeader{
		PacketType:      PacketDISCONNECT,
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
func (p *DisconnectPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketDISCONNECT {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}

	p.ReasonCode = ReasonSuccess

	if version != MQTTv5 {
		if header.RemainingLength != 0 {
			return 0, ErrProtocolViolation
		}
		return 0, nil
	}

	var totalRead int

	if header.RemainingLength > 0 {
		code, n, err := readByte(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
		p.ReasonCode = ReasonCode(code)

		if header.RemainingLength > 1 {
			n, err = p.Props.Decode(r, CtxDISCONNECT)
			totalRead += n
			if err != nil {
				return totalRead, err
			}
		}
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *DisconnectPacket) Validate(version ProtocolVersion) error {
	if version == MQTTv311 {
		if p.ReasonCode != ReasonSuccess || p.Props.Len() > 0 {
			return ErrPropertyNotAllowed
		}
		return nil
	}
	if !p.ReasonCode.ValidForDISCONNECT() {
		return ErrInvalidReasonCode
	}
	return nil
}
