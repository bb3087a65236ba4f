package mqttc

import (
	"bytes"
	"io"
)

// SubackPacket is the MQTT SUBACK packet. Each payload byte answers one
// filter of the matching SUBSCRIBE, in order. On v3.1.1 connections the
// bytes are granted QoS values or SubackFailure; on v5.0 they are reason
// codes.
type SubackPacket struct {
	ID          uint16
	Props       Properties // v5 only
	ReasonCodes []ReasonCode
}

// Type returns the packet type.
func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// Properties returns a pointer to the packet's properties.
func (p *SubackPacket) Properties() *Properties { return &p.Props }

// PacketID returns the packet identifier.
func (p *SubackPacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *SubackPacket) SetPacketID(id uint16) { p.ID = id }

// Encode writes the packet to the writer.
func (p *SubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := writeUint16(&buf, p.ID); err != nil {
		return 0, err
	}

	if version == MQTTv5 {
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
	}

	for _, rc := range p.ReasonCodes {
		buf.WriteByte(byte(rc))
	}

	header := FixedHeader{
		PacketType:      PacketSUBACK,
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
func (p *SubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketSUBACK {
		return 0, ErrInvalidPacketType
	}

	var totalRead int

	id, n, err := readUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	p.ID = id

	if version == MQTTv5 {
		n, err = p.Props.Decode(r, CtxSUBACK)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	p.ReasonCodes = nil
	for totalRead < int(header.RemainingLength) {
		rc, n, err := readByte(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
		p.ReasonCodes = append(p.ReasonCodes, ReasonCode(rc))
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *SubackPacket) Validate(version ProtocolVersion) error {
	if p.ID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.ReasonCodes) == 0 {
		return ErrProtocolViolation
	}
	for _, rc := range p.ReasonCodes {
		if version == MQTTv311 {
			// Granted QoS 0-2 or the failure marker.
			if byte(rc) > 2 && byte(rc) != SubackFailure {
				return ErrInvalidReturnCode
			}
			continue
		}
		if !rc.ValidForSUBACK() {
			return ErrInvalidReasonCode
		}
	}
	if version == MQTTv311 && p.Props.Len() > 0 {
		return ErrPropertyNotAllowed
	}
	return nil
}

// UnsubackPacket is the MQTT UNSUBACK packet. On v3.1.1 connections the body
// is only the packet identifier; on v5.0 per-filter reason codes follow.
type UnsubackPacket struct {
	ID          uint16
	Props       Properties   // v5 only
	ReasonCodes []ReasonCode // v5 only
}

// Type returns the packet type.
func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// Properties returns a pointer to the packet's properties.
func (p *UnsubackPacket) Properties() *Properties { return &p.Props }

// PacketID returns the packet identifier.
func (p *UnsubackPacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *UnsubackPacket) SetPacketID(id uint16) { p.ID = id }

// Encode writes the packet to the writer.
func (p *UnsubackPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := writeUint16(&buf, p.ID); err != nil {
		return 0, err
	}

	if version == MQTTv5 {
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
		for _, rc := range p.ReasonCodes {
			buf.WriteByte(byte(rc))
		}
	}

	header := FixedHeader{
		PacketType:      PacketUNSUBACK,
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
func (p *UnsubackPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketUNSUBACK {
		return 0, ErrInvalidPacketType
	}

	var totalRead int

	id, n, err := readUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	p.ID = id

	if version != MQTTv5 {
		return totalRead, nil
	}

	n, err = p.Props.Decode(r, CtxUNSUBACK)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	p.ReasonCodes = nil
	for totalRead < int(header.RemainingLength) {
		rc, n, err := readByte(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
		p.ReasonCodes = append(p.ReasonCodes, ReasonCode(rc))
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *UnsubackPacket) Validate(version ProtocolVersion) error {
	if p.ID == 0 {
		return ErrInvalidPacketID
	}
	if version == MQTTv311 {
		if p.Props.Len() > 0 || len(p.ReasonCodes) > 0 {
			return ErrPropertyNotAllowed
		}
		return nil
	}
	if len(p.ReasonCodes) == 0 {
		return ErrProtocolViolation
	}
	for _, rc := range p.ReasonCodes {
		if !rc.ValidForUNSUBACK() {
			return ErrInvalidReasonCode
		}
	}
	return nil
}
