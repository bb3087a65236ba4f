package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// PUBLISH packet errors.
var (
	ErrTopicNameEmpty   = errors.New("topic name cannot be empty")
	ErrInvalidQoS       = errors.New("invalid QoS level")
	ErrPacketIDRequired = errors.New("packet identifier required for QoS > 0")
)

// PublishPacket is the MQTT PUBLISH packet.
type PublishPacket struct {
	// Topic is the topic name.
	Topic string

	// Payload is the application message.
	Payload []byte

	// QoS is the Quality of Service level.
	QoS QoS

	// Retain marks the message as retained.
	Retain bool

	// DUP marks a retransmission.
	DUP bool

	// ID is the packet identifier, required for QoS > 0.
	ID uint16

	// Props contains the PUBLISH properties. v5 only.
	Props Properties
}

// Type returns the packet type.
func (p *PublishPacket) Type() PacketType {
	return PacketPUBLISH
}

// Properties returns a pointer to the packet's properties.
func (p *PublishPacket) Properties() *Properties {
	return &p.Props
}

// PacketID returns the packet identifier.
func (p *PublishPacket) PacketID() uint16 {
	return p.ID
}

// SetPacketID sets the packet identifier.
func (p *PublishPacket) SetPacketID(id uint16) {
	p.ID = id
}

// flags builds the fixed header flags nibble.
func (p *PublishPacket) flags() byte {
	var flags byte
	if p.DUP {
		flags |= 0x08
	}
	flags |= (byte(p.QoS) & 0x03) << 1
	if p.Retain {
		flags |= 0x01
	}
	return flags
}

// setFlags parses the fixed header flags nibble.
func (p *PublishPacket) setFlags(flags byte) {
	p.DUP = flags&0x08 != 0
	p.QoS = QoS((flags >> 1) & 0x03)
	p.Retain = flags&0x01 != 0
}

// Encode writes the packet to the writer.
func (p *PublishPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	if _, err := encodeUTF8(&buf, p.Topic); err != nil {
		return 0, err
	}

	if p.QoS > QoS0 {
		if _, err := writeUint16(&buf, p.ID); err != nil {
			return 0, err
		}
	}

	if version == MQTTv5 {
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
	}

	buf.Write(p.Payload)

	header := FixedHeader{
		PacketType:      PacketPUBLISH,
		Flags:           p.flags(),
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
func (p *PublishPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketPUBLISH {
		return 0, ErrInvalidPacketType
	}

	p.setFlags(header.Flags)

	if p.QoS > QoS2 {
		return 0, ErrInvalidQoS
	}

	var totalRead int
	var n int
	var err error

	p.Topic, n, err = decodeUTF8(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	if p.QoS > QoS0 {
		p.ID, n, err = readUint16(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	if version == MQTTv5 {
		n, err = p.Props.Decode(r, CtxPUBLISH)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	// Payload fills the rest of the remaining length.
	payloadLen := int(header.RemainingLength) - totalRead
	if payloadLen < 0 {
		return totalRead, ErrVarintMalformed
	}
	if payloadLen > 0 {
		p.Payload = make([]byte, payloadLen)
		n, err = io.ReadFull(r, p.Payload)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *PublishPacket) Validate(version ProtocolVersion) error {
	if p.Topic == "" {
		return ErrTopicNameEmpty
	}

	if p.QoS > QoS2 {
		return ErrInvalidQoS
	}

	// DUP is meaningless for QoS 0.
	if p.QoS == QoS0 && p.DUP {
		return ErrInvalidPacketFlags
	}

	if p.QoS > QoS0 && p.ID == 0 {
		return ErrPacketIDRequired
	}

	if version == MQTTv311 && p.Props.Len() > 0 {
		return ErrPropertyNotAllowed
	}

	return nil
}

// ToMessage converts the PUBLISH packet to a Message.
func (p *PublishPacket) ToMessage() *Message {
	m := &Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.DUP,
	}
	m.FromProperties(&p.Props)
	return m
}

// FromMessage populates the PUBLISH packet from a Message.
func (p *PublishPacket) FromMessage(m *Message) {
	p.Topic = m.Topic
	p.Payload = m.Payload
	p.QoS = m.QoS
	p.Retain = m.Retain
	p.Props = m.ToProperties()
}
