package mqttc

import (
	"bytes"
	"io"
)

// ackPacket is the shared shape of PUBACK, PUBREC, PUBREL and PUBCOMP. On
// v3.1.1 connections the body is just the packet identifier; on v5.0 a reason
// code and properties may follow.
type ackPacket struct {
	ID         uint16
	ReasonCode ReasonCode
	Props      Properties
}

// encodeAck encodes an acknowledgement packet.
func encodeAck(w io.Writer, packetType PacketType, flags byte, ack *ackPacket, version ProtocolVersion) (int, error) {
	var buf bytes.Buffer

	if _, err := writeUint16(&buf, ack.ID); err != nil {
		return 0, err
	}

	// Reason code and properties are elided on success with no properties.
	if version == MQTTv5 && (ack.ReasonCode != ReasonSuccess || ack.Props.Len() > 0) {
		buf.WriteByte(byte(ack.ReasonCode))

		if ack.Props.Len() > 0 {
			if _, err := ack.Props.Encode(&buf); err != nil {
				return 0, err
			}
		}
	}

	header := FixedHeader{
		PacketType:      packetType,
		Flags:           flags,
		RemainingLength: uint32(buf.Len()),
	}

	total, err := header.Encode(w)
	if err != nil {
		return total, err
	}

	n, err := w.Write(buf.Bytes())
	return total + n, err
}

// decodeAck decodes an acknowledgement packet.
func decodeAck(r io.Reader, header FixedHeader, ack *ackPacket, ctx PropertyContext, version ProtocolVersion) (int, error) {
	var totalRead int

	id, n, err := readUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	ack.ID = id
	ack.ReasonCode = ReasonSuccess

	if version != MQTTv5 {
		return totalRead, nil
	}

	if header.RemainingLength > 2 {
		code, n, err := readByte(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
		ack.ReasonCode = ReasonCode(code)

		if header.RemainingLength > 3 {
			n, err = ack.Props.Decode(r, ctx)
			totalRead += n
			if err != nil {
				return totalRead, err
			}
		}
	}

	return totalRead, nil
}

func (a *ackPacket) validate(version ProtocolVersion, valid func(ReasonCode) bool) error {
	if a.ID == 0 {
		return ErrPacketIDRequired
	}
	if version == MQTTv311 {
		if a.Props.Len() > 0 {
			return ErrPropertyNotAllowed
		}
		return nil
	}
	if !valid(a.ReasonCode) {
		return ErrInvalidReasonCode
	}
	return nil
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	ackPacket
}

// Type returns the packet type.
func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// PacketID returns the packet identifier.
func (p *PubackPacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *PubackPacket) SetPacketID(id uint16) { p.ID = id }

// Properties returns a pointer to the packet's properties.
func (p *PubackPacket) Properties() *Properties { return &p.Props }

// Encode writes the packet to the writer.
func (p *PubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBACK, 0x00, &p.ackPacket, version)
}

// Decode reads the packet from the reader.
func (p *PubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBACK {
		return 0, ErrInvalidPacketType
	}
	return decodeAck(r, header, &p.ackPacket, CtxPUBACK, version)
}

// Validate checks the packet contents.
func (p *PubackPacket) Validate(version ProtocolVersion) error {
	return p.validate(version, ReasonCode.ValidForPUBACK)
}

// PubrecPacket is the first server response in a QoS 2 exchange.
type PubrecPacket struct {
	ackPacket
}

// Type returns the packet type.
func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// PacketID returns the packet identifier.
func (p *PubrecPacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *PubrecPacket) SetPacketID(id uint16) { p.ID = id }

// Properties returns a pointer to the packet's properties.
func (p *PubrecPacket) Properties() *Properties { return &p.Props }

// Encode writes the packet to the writer.
func (p *PubrecPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBREC, 0x00, &p.ackPacket, version)
}

// Decode reads the packet from the reader.
func (p *PubrecPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBREC {
		return 0, ErrInvalidPacketType
	}
	return decodeAck(r, header, &p.ackPacket, CtxPUBREC, version)
}

// Validate checks the packet contents.
func (p *PubrecPacket) Validate(version ProtocolVersion) error {
	return p.validate(version, ReasonCode.ValidForPUBREC)
}

// PubrelPacket releases a QoS 2 message. Fixed header flags must be 0x02.
type PubrelPacket struct {
	ackPacket
}

// Type returns the packet type.
func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// PacketID returns the packet identifier.
func (p *PubrelPacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *PubrelPacket) SetPacketID(id uint16) { p.ID = id }

// Properties returns a pointer to the packet's properties.
func (p *PubrelPacket) Properties() *Properties { return &p.Props }

// Encode writes the packet to the writer.
func (p *PubrelPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBREL, 0x02, &p.ackPacket, version)
}

// Decode reads the packet from the reader.
func (p *PubrelPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBREL {
		return 0, ErrInvalidPacketType
	}
	return decodeAck(r, header, &p.ackPacket, CtxPUBREL, version)
}

// Validate checks the packet contents.
func (p *PubrelPacket) Validate(version ProtocolVersion) error {
	return p.validate(version, ReasonCode.ValidForPUBREL)
}

// PubcompPacket completes a QoS 2 exchange.
type PubcompPacket struct {
	ackPacket
}

// Type returns the packet type.
func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// PacketID returns the packet identifier.
func (p *PubcompPacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *PubcompPacket) SetPacketID(id uint16) { p.ID = id }

// Properties returns a pointer to the packet's properties.
func (p *PubcompPacket) Properties() *Properties { return &p.Props }

// Encode writes the packet to the writer.
func (p *PubcompPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}
	return encodeAck(w, PacketPUBCOMP, 0x00, &p.ackPacket, version)
}

// Decode reads the packet from the reader.
func (p *PubcompPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBCOMP {
		return 0, ErrInvalidPacketType
	}
	return decodeAck(r, header, &p.ackPacket, CtxPUBCOMP, version)
}

// Validate checks the packet contents.
func (p *PubcompPacket) Validate(version ProtocolVersion) error {
	return p.validate(version, ReasonCode.ValidForPUBCOMP)
}
