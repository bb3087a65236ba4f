package mqttc

import (
	"bytes"
	"io"
)

// UnsubscribePacket is the MQTT UNSUBSCRIBE packet.
type UnsubscribePacket struct {
	ID           uint16
	Props        Properties // v5 only
	TopicFilters []string
}

// Type returns the packet type.
func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// Properties returns a pointer to the packet's properties.
func (p *UnsubscribePacket) Properties() *Properties { return &p.Props }

// PacketID returns the packet identifier.
func (p *UnsubscribePacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *UnsubscribePacket) SetPacketID(id uint16) { p.ID = id }

// Encode writes the packet to the writer.
func (p *UnsubscribePacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
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

	for _, tf := range p.TopicFilters {
		if _, err := encodeUTF8(&buf, tf); err != nil {
			return 0, err
		}
	}

	header := FixedHeader{
		PacketType:      PacketUNSUBSCRIBE,
		Flags:           0x02,
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
func (p *UnsubscribePacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketUNSUBSCRIBE {
		return 0, ErrInvalidPacketType
	}
	if header.Flags != 0x02 {
		return 0, ErrInvalidPacketFlags
	}

	var totalRead int

	id, n, err := readUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	p.ID = id

	if version == MQTTv5 {
		n, err = p.Props.Decode(r, CtxUNSUBSCRIBE)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	p.TopicFilters = nil
	for totalRead < int(header.RemainingLength) {
		tf, n, err := decodeUTF8(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
		p.TopicFilters = append(p.TopicFilters, tf)
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *UnsubscribePacket) Validate(version ProtocolVersion) error {
	if p.ID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.TopicFilters) == 0 {
		return ErrProtocolViolation
	}
	if version == MQTTv311 && p.Props.Len() > 0 {
		return ErrPropertyNotAllowed
	}
	for _, tf := range p.TopicFilters {
		if tf == "" {
			return ErrProtocolViolation
		}
	}
	return nil
}
