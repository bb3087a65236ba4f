package mqttc

import (
	"bytes"
	"errors"
	"io"
)

var (
	ErrInvalidPacketID       = errors.New("invalid packet identifier")
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrInvalidSubscriptionID = errors.New("invalid subscription identifier")
)

// Subscription is a topic filter with its subscription options. The v5-only
// options (NoLocal, RetainAsPublish, RetainHandling, SubscriptionID) stay
// zero on v3.1.1 connections.
type Subscription struct {
	TopicFilter     string
	QoS             QoS
	NoLocal         bool
	RetainAsPublish bool
	RetainHandling  byte
	SubscriptionID  uint32
}

// SubscribePacket is the MQTT SUBSCRIBE packet.
type SubscribePacket struct {
	ID            uint16
	Props         Properties // v5 only
	Subscriptions []Subscription
}

// Type returns the packet type.
func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// Properties returns a pointer to the packet's properties.
func (p *SubscribePacket) Properties() *Properties { return &p.Props }

// PacketID returns the packet identifier.
func (p *SubscribePacket) PacketID() uint16 { return p.ID }

// SetPacketID sets the packet identifier.
func (p *SubscribePacket) SetPacketID(id uint16) { p.ID = id }

// Encode writes the packet to the writer.
func (p *SubscribePacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
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

	for _, sub := range p.Subscriptions {
		if _, err := encodeUTF8(&buf, sub.TopicFilter); err != nil {
			return 0, err
		}

		options := byte(sub.QoS) & 0x03
		if version == MQTTv5 {
			if sub.NoLocal {
				options |= 0x04
			}
			if sub.RetainAsPublish {
				options |= 0x08
			}
			options |= (sub.RetainHandling & 0x03) << 4
		}

		buf.WriteByte(options)
	}

	header := FixedHeader{
		PacketType:      PacketSUBSCRIBE,
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
func (p *SubscribePacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketSUBSCRIBE {
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

	var subscriptionID uint32
	if version == MQTTv5 {
		n, err = p.Props.Decode(r, CtxSUBSCRIBE)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		// Subscription identifier must be 1..268435455 when present.
		if p.Props.Has(PropSubscriptionIdentifier) {
			subscriptionID = p.Props.GetUint32(PropSubscriptionIdentifier)
			if subscriptionID == 0 || subscriptionID > maxVarint {
				return totalRead, ErrInvalidSubscriptionID
			}
		}
	}

	p.Subscriptions = nil
	for totalRead < int(header.RemainingLength) {
		var sub Subscription

		sub.TopicFilter, n, err = decodeUTF8(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		options, n, err := readByte(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		sub.QoS = QoS(options & 0x03)

		if version == MQTTv5 {
			sub.NoLocal = options&0x04 != 0
			sub.RetainAsPublish = options&0x08 != 0
			sub.RetainHandling = (options >> 4) & 0x03
			sub.SubscriptionID = subscriptionID

			if options&0xC0 != 0 {
				return totalRead, ErrProtocolViolation
			}
		} else if options&0xFC != 0 {
			// v3.1.1 reserves everything above the QoS bits.
			return totalRead, ErrProtocolViolation
		}

		p.Subscriptions = append(p.Subscriptions, sub)
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *SubscribePacket) Validate(version ProtocolVersion) error {
	if p.ID == 0 {
		return ErrInvalidPacketID
	}
	if len(p.Subscriptions) == 0 {
		return ErrProtocolViolation
	}
	if version == MQTTv311 && p.Props.Len() > 0 {
		return ErrPropertyNotAllowed
	}
	for _, sub := range p.Subscriptions {
		if sub.TopicFilter == "" {
			return ErrProtocolViolation
		}
		if sub.QoS > QoS2 {
			return ErrInvalidQoS
		}
		if sub.RetainHandling > 2 {
			return ErrProtocolViolation
		}
	}
	return nil
}
