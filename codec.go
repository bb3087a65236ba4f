package mqttc

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Codec errors.
var (
	// ErrIncompletePacket is returned by Decoder.Next when the buffered
	// bytes do not yet hold a complete packet. No input is consumed.
	ErrIncompletePacket = errors.New("incomplete packet")

	// ErrPacketTooLarge is returned when a packet exceeds the configured
	// maximum size.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")

	// ErrUnknownPacketType is returned for a packet type outside 1..15.
	ErrUnknownPacketType = errors.New("unknown packet type")
)

// MalformedPacketError reports input that violates the framing or encoding
// rules. The offending packet has been consumed from the stream; whether the
// connection can continue is up to the caller. Extract with errors.As.
type MalformedPacketError struct {
	PacketType PacketType
	Reason     error
}

func (e *MalformedPacketError) Error() string {
	return fmt.Sprintf("malformed %s packet: %v", e.PacketType, e.Reason)
}

func (e *MalformedPacketError) Unwrap() error { return e.Reason }

func malformed(pt PacketType, reason error) *MalformedPacketError {
	return &MalformedPacketError{PacketType: pt, Reason: reason}
}

// ReadPacket reads one complete MQTT packet from r. If maxSize is greater
// than 0, packets with a larger remaining length return ErrPacketTooLarge.
func ReadPacket(r io.Reader, version ProtocolVersion, maxSize uint32) (Packet, int, error) {
	var header FixedHeader
	n, err := header.Decode(r)
	if err != nil {
		return nil, n, err
	}

	if maxSize > 0 && header.RemainingLength > maxSize {
		return nil, n, ErrPacketTooLarge
	}

	if err := header.ValidateFlags(); err != nil {
		return nil, n, malformed(header.PacketType, err)
	}

	body := make([]byte, header.RemainingLength)
	if header.RemainingLength > 0 {
		rn, err := io.ReadFull(r, body)
		n += rn
		if err != nil {
			return nil, n, err
		}
	}

	packet, err := decodeBody(header, body, version)
	if err != nil {
		return nil, n, err
	}

	return packet, n, nil
}

// WritePacket writes one complete MQTT packet to w. If maxSize is greater
// than 0, packets that encode larger than maxSize return ErrPacketTooLarge.
func WritePacket(w io.Writer, packet Packet, version ProtocolVersion, maxSize uint32) (int, error) {
	if err := packet.Validate(version); err != nil {
		return 0, err
	}

	if maxSize > 0 {
		var buf bytes.Buffer
		n, err := packet.Encode(&buf, version)
		if err != nil {
			return 0, err
		}
		if uint32(n) > maxSize {
			return 0, ErrPacketTooLarge
		}
		return w.Write(buf.Bytes())
	}

	return packet.Encode(w, version)
}

// decodeBody decodes a packet body that has already been framed.
func decodeBody(header FixedHeader, body []byte, version ProtocolVersion) (Packet, error) {
	if !header.PacketType.Valid(version) {
		return nil, malformed(header.PacketType, ErrUnknownPacketType)
	}

	packet, ok := newPacketForType(header.PacketType)
	if !ok {
		return nil, malformed(header.PacketType, ErrUnknownPacketType)
	}

	if _, err := packet.Decode(bytes.NewReader(body), header, version); err != nil {
		return nil, malformed(header.PacketType, err)
	}

	return packet, nil
}

// Decoder performs incremental packet decoding over a byte stream that
// arrives in arbitrary chunks. Feed appends input; Next consumes and returns
// one packet at a time. Nothing is consumed until a complete packet is
// buffered, so a truncated read simply waits for more bytes.
type Decoder struct {
	version ProtocolVersion
	maxSize uint32
	buf     []byte
}

// NewDecoder creates a Decoder for the given protocol version. If maxSize is
// greater than 0, packets with a larger remaining length are rejected.
func NewDecoder(version ProtocolVersion, maxSize uint32) *Decoder {
	return &Decoder{version: version, maxSize: maxSize}
}

// Feed appends raw bytes from the transport to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Reset drops all buffered bytes. Used when the connection is torn down.
func (d *Decoder) Reset() {
	d.buf = nil
}

// Next decodes and returns the next complete packet from the buffer.
// It returns ErrIncompletePacket, leaving the buffer untouched, when the
// buffered bytes do not yet frame a whole packet. Framing violations return
// a MalformedPacketError.
func (d *Decoder) Next() (Packet, error) {
	if len(d.buf) < 2 {
		return nil, ErrIncompletePacket
	}

	first := d.buf[0]
	pt := PacketType(first >> 4)
	flags := first & 0x0F

	remaining, varLen, err := peekUvarint(d.buf[1:])
	if err != nil {
		if errors.Is(err, errShortVarint) {
			return nil, ErrIncompletePacket
		}
		return nil, malformed(pt, err)
	}

	if pt < PacketCONNECT || pt > PacketAUTH {
		return nil, malformed(pt, ErrInvalidPacketType)
	}

	header := FixedHeader{PacketType: pt, Flags: flags, RemainingLength: remaining}
	if err := header.ValidateFlags(); err != nil {
		return nil, malformed(pt, err)
	}

	if d.maxSize > 0 && remaining > d.maxSize {
		return nil, ErrPacketTooLarge
	}

	headerLen := 1 + varLen
	total := headerLen + int(remaining)
	if len(d.buf) < total {
		return nil, ErrIncompletePacket
	}

	body := d.buf[headerLen:total]
	packet, err := decodeBody(header, body, d.version)

	// The frame is consumed either way; only its contents were bad.
	d.buf = d.buf[total:]
	if len(d.buf) == 0 {
		d.buf = nil
	}

	if err != nil {
		return nil, err
	}
	return packet, nil
}

// errShortVarint marks a variable byte integer that needs more input.
var errShortVarint = errors.New("short varint")

// peekUvarint decodes a variable byte integer from b without consuming it.
func peekUvarint(b []byte) (uint32, int, error) {
	var value uint32
	var shift uint

	for i := 0; i < len(b); i++ {
		if i > 3 {
			return 0, 0, ErrVarintMalformed
		}
		value |= uint32(b[i]&varintMask) << shift
		if value > maxVarint {
			return 0, 0, ErrVarintTooLarge
		}
		if b[i]&varintCont == 0 {
			return value, i + 1, nil
		}
		shift += 7
	}

	// Four continuation bytes can never be completed by more input.
	if len(b) >= 4 {
		return 0, 0, ErrVarintMalformed
	}
	return 0, 0, errShortVarint
}
