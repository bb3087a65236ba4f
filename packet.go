package mqttc

import "io"

// ProtocolVersion selects the MQTT wire protocol revision. The value matches
// the protocol level byte carried in CONNECT.
type ProtocolVersion byte

const (
	// MQTTv311 is MQTT version 3.1.1 (protocol level 4).
	MQTTv311 ProtocolVersion = 4

	// MQTTv5 is MQTT version 5.0 (protocol level 5).
	MQTTv5 ProtocolVersion = 5
)

// String returns the protocol version name.
func (v ProtocolVersion) String() string {
	switch v {
	case MQTTv311:
		return "MQTT 3.1.1"
	case MQTTv5:
		return "MQTT 5.0"
	default:
		return "unknown"
	}
}

// Valid reports whether the version is one this package speaks.
func (v ProtocolVersion) Valid() bool {
	return v == MQTTv311 || v == MQTTv5
}

// QoS is an MQTT Quality of Service level.
type QoS byte

const (
	// QoS0 is at-most-once delivery: fire and forget.
	QoS0 QoS = 0

	// QoS1 is at-least-once delivery: PUBLISH acknowledged by PUBACK.
	QoS1 QoS = 1

	// QoS2 is exactly-once delivery: PUBLISH, PUBREC, PUBREL, PUBCOMP.
	QoS2 QoS = 2
)

// Valid reports whether the QoS level is 0, 1 or 2.
func (q QoS) Valid() bool {
	return q <= QoS2
}

// Packet is implemented by every MQTT control packet. Encoding and decoding
// are protocol-version aware: v3.1.1 packets skip properties and use return
// codes, v5.0 packets carry reason codes and properties.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType

	// Encode writes the complete packet, fixed header included, to w.
	// Returns the number of bytes written.
	Encode(w io.Writer, version ProtocolVersion) (int, error)

	// Decode reads the packet body from r. The fixed header has already
	// been decoded. Returns the number of bytes read.
	Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error)

	// Validate checks the packet contents against the rules of the
	// protocol version.
	Validate(version ProtocolVersion) error
}

// PacketWithID is implemented by packets carrying a packet identifier.
type PacketWithID interface {
	Packet

	// PacketID returns the packet identifier.
	PacketID() uint16

	// SetPacketID sets the packet identifier.
	SetPacketID(id uint16)
}

// newPacketForType returns an empty packet struct for the header's type.
func newPacketForType(pt PacketType) (Packet, bool) {
	switch pt {
	case PacketCONNECT:
		return &ConnectPacket{}, true
	case PacketCONNACK:
		return &ConnackPacket{}, true
	case PacketPUBLISH:
		return &PublishPacket{}, true
	case PacketPUBACK:
		return &PubackPacket{}, true
	case PacketPUBREC:
		return &PubrecPacket{}, true
	case PacketPUBREL:
		return &PubrelPacket{}, true
	case PacketPUBCOMP:
		return &PubcompPacket{}, true
	case PacketSUBSCRIBE:
		return &SubscribePacket{}, true
	case PacketSUBACK:
		return &SubackPacket{}, true
	case PacketUNSUBSCRIBE:
		return &UnsubscribePacket{}, true
	case PacketUNSUBACK:
		return &UnsubackPacket{}, true
	case PacketPINGREQ:
		return &PingreqPacket{}, true
	case PacketPINGRESP:
		return &PingrespPacket{}, true
	case PacketDISCONNECT:
		return &DisconnectPacket{}, true
	case PacketAUTH:
		return &AuthPacket{}, true
	default:
		return nil, false
	}
}

// Message is an application message as seen by callers: the payload plus the
// delivery metadata. The v5-only fields stay zero on v3.1.1 connections.
type Message struct {
	// Topic is the topic name the message is published to or received from.
	Topic string

	// Payload is the application message payload.
	Payload []byte

	// QoS is the delivery Quality of Service level.
	QoS QoS

	// Retain marks the message as retained.
	Retain bool

	// Duplicate is set on inbound messages redelivered by the server.
	Duplicate bool

	// PayloadFormat indicates UTF-8 text (1) or unspecified bytes (0). v5 only.
	PayloadFormat byte

	// MessageExpiry is the message lifetime in seconds, zero for none. v5 only.
	MessageExpiry uint32

	// ContentType is the MIME type of the payload. v5 only.
	ContentType string

	// ResponseTopic is the topic for response messages. v5 only.
	ResponseTopic string

	// CorrelationData correlates request and response messages. v5 only.
	CorrelationData []byte

	// UserProperties holds user-defined name-value pairs. v5 only.
	UserProperties []StringPair

	// SubscriptionIdentifiers come from matching subscriptions on inbound
	// messages. v5 only.
	SubscriptionIdentifiers []uint32
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := &Message{
		Topic:         m.Topic,
		QoS:           m.QoS,
		Retain:        m.Retain,
		Duplicate:     m.Duplicate,
		PayloadFormat: m.PayloadFormat,
		MessageExpiry: m.MessageExpiry,
		ContentType:   m.ContentType,
		ResponseTopic: m.ResponseTopic,
	}

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	if m.CorrelationData != nil {
		clone.CorrelationData = make([]byte, len(m.CorrelationData))
		copy(clone.CorrelationData, m.CorrelationData)
	}

	if m.UserProperties != nil {
		clone.UserProperties = make([]StringPair, len(m.UserProperties))
		copy(clone.UserProperties, m.UserProperties)
	}

	if m.SubscriptionIdentifiers != nil {
		clone.SubscriptionIdentifiers = make([]uint32, len(m.SubscriptionIdentifiers))
		copy(clone.SubscriptionIdentifiers, m.SubscriptionIdentifiers)
	}

	return clone
}

// ToProperties converts the v5 message metadata to PUBLISH properties.
func (m *Message) ToProperties() Properties {
	var p Properties

	if m.PayloadFormat != 0 {
		p.Set(PropPayloadFormatIndicator, m.PayloadFormat)
	}

	if m.MessageExpiry != 0 {
		p.Set(PropMessageExpiryInterval, m.MessageExpiry)
	}

	if m.ContentType != "" {
		p.Set(PropContentType, m.ContentType)
	}

	if m.ResponseTopic != "" {
		p.Set(PropResponseTopic, m.ResponseTopic)
	}

	if len(m.CorrelationData) > 0 {
		p.Set(PropCorrelationData, m.CorrelationData)
	}

	for _, up := range m.UserProperties {
		p.props = append(p.props, property{id: PropUserProperty, value: up})
	}

	return p
}

// FromProperties populates the v5 message metadata from PUBLISH properties.
func (m *Message) FromProperties(p *Properties) {
	if p == nil {
		return
	}

	m.PayloadFormat = p.GetByte(PropPayloadFormatIndicator)
	m.MessageExpiry = p.GetUint32(PropMessageExpiryInterval)
	m.ContentType = p.GetString(PropContentType)
	m.ResponseTopic = p.GetString(PropResponseTopic)
	m.CorrelationData = p.GetBinary(PropCorrelationData)
	m.UserProperties = p.GetAllStringPairs(PropUserProperty)
	m.SubscriptionIdentifiers = p.GetAllVarInts(PropSubscriptionIdentifier)
}
