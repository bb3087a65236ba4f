package mqttc

import (
	"bytes"
	"errors"
	"io"
)

// ErrAuthNotSupported is returned when an AUTH packet is used on a v3.1.1
// connection; enhanced authentication exists only in v5.0.
var ErrAuthNotSupported = errors.New("AUTH packet requires MQTT 5.0")

// AuthPacket is the MQTT v5.0 AUTH packet, used for enhanced authentication
// exchanges during and after CONNECT.
type AuthPacket struct {
	ReasonCode ReasonCode
	Props      Properties
}

// Type returns the packet type.
func (p *AuthPacket) Type() PacketType { return PacketAUTH }

// Properties returns a pointer to the packet's properties.
func (p *AuthPacket) Properties() *Properties { return &p.Props }

// Method returns the authentication method property.
func (p *AuthPacket) Method() string {
	return p.Props.GetString(PropAuthenticationMethod)
}

// Data returns the authentication data property.
func (p *AuthPacket) Data() []byte {
	return p.Props.GetBinary(PropAuthenticationData)
}

// Encode writes the packet to the writer.
func (p *AuthPacket) Encode(w io.Writer, version ProtocolVersion) (int, error) {
	if err := p.Validate(version); err != nil {
		return 0, err
	}

	var buf bytes.Buffer

	// Reason code and properties are elided on success with no properties.
	if p.ReasonCode != ReasonSuccess || p.Props.Len() > 0 {
		buf.WriteByte(byte(p.ReasonCode))

		if p.Props.Len() > 0 {
			if _, err := p.Props.Encode(&buf); err != nil {
				return 0, err
			}
		}
	}

	header := FixedHeader{
		PacketType:      PacketAUTH,
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
func (p *AuthPacket) Decode(r io.Reader, header FixedHeader, version ProtocolVersion) (int, error) {
	if header.PacketType != PacketAUTH {
		return 0, ErrInvalidPacketType
	}
	if version != MQTTv5 {
		return 0, ErrAuthNotSupported
	}
	if header.Flags != 0x00 {
		return 0, ErrInvalidPacketFlags
	}

	p.ReasonCode = ReasonSuccess

	var totalRead int

	if header.RemainingLength > 0 {
		code, n, err := readByte(r)
		totalRead += n
		if err != nil {
			return totalRead, err
		}
		p.ReasonCode = ReasonCode(code)

		if header.RemainingLength > 1 {
			n, err = p.Props.Decode(r, CtxAUTH)
			totalRead += n
			if err != nil {
				return totalRead, err
			}
		}
	}

	return totalRead, nil
}

// Validate checks the packet contents.
func (p *AuthPacket) Validate(version ProtocolVersion) error {
	if version != MQTTv5 {
		return ErrAuthNotSupported
	}
	if !p.ReasonCode.ValidForAUTH() {
		return ErrInvalidReasonCode
	}
	// Continue and re-auth exchanges must name the method.
	if p.ReasonCode != ReasonSuccess && !p.Props.Has(PropAuthenticationMethod) {
		return ErrProtocolViolation
	}
	return nil
}
