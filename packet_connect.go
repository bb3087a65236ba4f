package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// CONNECT carries the protocol name "MQTT" for both supported versions;
// only the protocol level byte differs.
const protocolName = "MQTT"

// Connect flag bit positions.
const (
	connectFlagCleanStart   = 0x02
	connectFlagWillFlag     = 0x04
	connectFlagWillRetain   = 0x20
	connectFlagPasswordFlag = 0x40
	connectFlagUsernameFlag = 0x80
)

// CONNECT packet errors.
var (
	ErrInvalidProtocolName    = errors.New("invalid protocol name")
	ErrInvalidProtocolVersion = errors.New("unsupported protocol version")
	ErrInvalidConnectFlags    = errors.New("invalid connect flags")
	ErrClientIDTooLong        = errors.New("client ID too long")
	ErrClientIDRequired       = errors.New("client ID required with clean start false")
)

// ConnectPacket is the MQTT CONNECT packet. CleanStart maps to the v3.1.1
// "Clean Session" flag; the bit position is the same in both versions.
type ConnectPacket struct {
	// ClientID is the client identifier.
	ClientID string

	// CleanStart requests a fresh session.
	CleanStart bool

	// KeepAlive is the keep alive interval in seconds. Zero disables.
	KeepAlive uint16

	// Props contains the CONNECT properties. v5 only.
	Props Properties

	// Username for authentication.
	Username string

	// Password for authentication.
	Password []byte

	// Will message configuration.
	WillFlag    bool
	WillRetain  bool
	WillQoS     QoS
	WillTopic   string
	WillPayload []byte
	WillProps   Properties // v5 only
}

// Type returns the packet type.
func (p *ConnectPacket) Type() PacketType {
	return PacketCONNECT
}

// Properties returns a pointer to the packet's properties.
func (p *ConnectPacket) Properties() *Properties {
	return &p.Props
}

// connectFlags builds the connect flags byte.
func (p *ConnectPacket) connectFlags() byte {
	var flags byte

	if p.CleanStart {
		flags |= connectFlagCleanStart
	}

	if p.WillFlag {
		flags |= connectFlagWillFlag
		flags |= (byte(p.WillQoS) & 0x03) << 3
		if p.WillRetain {
			flags |= connectFlagWillRetain
		}
	}

	if len(p.Password) > 0 {
		flags |= connectFlagPasswordFlag
	}

	if p.Username != "" {
		flags |= connectFlagUsernameFlag
	}

	return flags
}

// setConnectFlags parses the connect flags byte.
func (p *ConnectPacket) setConnectFlags(flags byte) error {
	// Reserved bit must be 0
	if flags&0x01 != 0 {
		return ErrInvalidConnectFlags
	}

	p.CleanStart = flags&connectFlagCleanStart != 0
	p.WillFlag = flags&connectFlagWillFlag != 0
	p.WillQoS = QoS((flags >> 3) & 0x03)
	p.WillRetain = flags&connectFlagWillRetain != 0

	if !p.WillFlag && (p.WillQoS != 0 || p.WillRetain) {
		return ErrInvalidConnectFlags
	}

	if p.WillQoS > QoS2 {
		return ErrInvalidConnectFlags
	}

	return nil
}

// Encode writes the packet to the writer.
func (p *ConnectPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	// Build variable header and payload
	var buf bytes.Buffer

	if _, err := encodeUTF8(&buf, protocolName); err != nil {
		return 0, err
	}

	buf.WriteByte(byte(version))
	buf.WriteByte(p.connectFlags())

	if _, err := writeUint16(&buf, p.KeepAlive); err != nil {
		return 0, err
	}

	if version == MQTTv5 {
		if _, err := p.Props.Encode(&buf); err != nil {
			return 0, err
		}
	}

	// Payload

	if _, err := encodeUTF8(&buf, p.ClientID); err != nil {
		return 0, err
	}

	if p.WillFlag {
		if version == MQTTv5 {
			if _, err := p.WillProps.Encode(&buf); err != nil {
				return 0, err
			}
		}

		if _, err := encodeUTF8(&buf, p.WillTopic); err != nil {
			return 0, err
		}

		if _, err := encodeBytes(&buf, p.WillPayload); err != nil {
			return 0, err
		}
	}

	if p.Username != "" {
		if _, err := encodeUTF8(&buf, p.Username); err != nil {
			return 0, err
		}
	}

	if len(p.Password) > 0 {
		if _, err := encodeBytes(&buf, p.Password); err != nil {
			return 0, err
		}
	}

	header := FixedHeader{
		PacketType:      PacketCONNECT,
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
func (p *ConnectPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketCONNECT {
		return 0, ErrInvalidPacketType
	}

	var totalRead int

	protoName, n, err := decodeUTF8(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if protoName != protocolName {
		return totalRead, ErrInvalidProtocolName
	}

	level, n, err := readByte(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if ProtocolVersion(level) != version {
		return totalRead, ErrInvalidProtocolVersion
	}

	flags, n, err := readByte(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}
	if err := p.setConnectFlags(flags); err != nil {
		return totalRead, err
	}

	usernameFlag := flags&connectFlagUsernameFlag != 0
	passwordFlag := flags&connectFlagPasswordFlag != 0

	p.KeepAlive, n, err = readUint16(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	if version == MQTTv5 {
		n, err = p.Props.Decode(r, CtxCONNECT)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	// Payload

	p.ClientID, n, err = decodeUTF8(r)
	totalRead += n
	if err != nil {
		return totalRead, err
	}

	if p.WillFlag {
		if version == MQTTv5 {
			n, err = p.WillProps.Decode(r, CtxWill)
			totalRead += n
			if err != nil {
				return totalRead, err
			}
		}

		p.WillTopic, n, err = decodeUTF8(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}

		p.WillPayload, n, err = decodeBytes(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	if usernameFlag {
		p.Username, n, err = decodeUTF8(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	if passwordFlag {
		p.Password, n, err = decodeBytes(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *ConnectPacket) Validate(version ProtocolVersion) error {
	if !version.Valid() {
		return ErrInvalidProtocolVersion
	}

	if len(p.ClientID) > maxUint16 {
		return ErrClientIDTooLong
	}

	// An empty client ID requires a clean session in both versions.
	if !p.CleanStart && p.ClientID == "" {
		return ErrClientIDRequired
	}

	if p.WillQoS > QoS2 {
		return ErrInvalidConnectFlags
	}

	if !p.WillFlag && (p.WillRetain || p.WillQoS != 0) {
		return ErrInvalidConnectFlags
	}

	if version == MQTTv311 && (p.Props.Len() > 0 || p.WillProps.Len() > 0) {
		return ErrPropertyNotAllowed
	}

	return nil
}
