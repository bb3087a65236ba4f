package mqttc

import (
	"encoding/binary"
	"errors"
	"io"
	"unicode/utf8"
)

// Encoding errors.
var (
	ErrStringTooLong   = errors.New("string exceeds maximum length of 65535 bytes")
	ErrBinaryTooLong   = errors.New("binary data exceeds maximum length of 65535 bytes")
	ErrInvalidUTF8     = errors.New("invalid UTF-8 string")
	ErrEmbeddedNull    = errors.New("string contains null character")
	ErrVarintTooLarge  = errors.New("variable byte integer exceeds maximum value")
	ErrVarintMalformed = errors.New("malformed variable byte integer")
)

const (
	maxUint16  = 65535
	maxVarint  = 268435455 // 0x0FFFFFFF
	varintCont = 0x80
	varintMask = 0x7F
)

// writeUint16 writes a big-endian two byte integer to w.
func writeUint16(w io.Writer, v uint16) (int, error) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	return w.Write(buf[:])
}

// readUint16 reads a big-endian two byte integer from r.
func readUint16(r io.Reader) (uint16, int, error) {
	var buf [2]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint16(buf[:]), n, nil
}

// writeUint32 writes a big-endian four byte integer to w.
func writeUint32(w io.Writer, v uint32) (int, error) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return w.Write(buf[:])
}

// readUint32 reads a big-endian four byte integer from r.
func readUint32(r io.Reader) (uint32, int, error) {
	var buf [4]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.BigEndian.Uint32(buf[:]), n, nil
}

// writeByte writes a single byte to w.
func writeByte(w io.Writer, b byte) (int, error) {
	var buf [1]byte
	buf[0] = b
	return w.Write(buf[:])
}

// readByte reads a single byte from r.
func readByte(r io.Reader) (byte, int, error) {
	var buf [1]byte
	n, err := io.ReadFull(r, buf[:])
	if err != nil {
		return 0, n, err
	}
	return buf[0], n, nil
}

// validUTF8 reports whether s is well-formed UTF-8 without embedded nulls.
// MQTT requires both for every string field.
func validUTF8(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidUTF8
	}
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return ErrEmbeddedNull
		}
	}
	return nil
}

// encodeUTF8 writes a length-prefixed UTF-8 string to w.
func encodeUTF8(w io.Writer, s string) (int, error) {
	if len(s) > maxUint16 {
		return 0, ErrStringTooLong
	}
	if err := validUTF8(s); err != nil {
		return 0, err
	}

	n, err := writeUint16(w, uint16(len(s)))
	if err != nil {
		return n, err
	}

	n2, err := io.WriteString(w, s)
	return n + n2, err
}

// decodeUTF8 reads a length-prefixed UTF-8 string from r.
func decodeUTF8(r io.Reader) (string, int, error) {
	length, n, err := readUint16(r)
	if err != nil {
		return "", n, err
	}
	if length == 0 {
		return "", n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return "", n, err
	}

	s := string(buf)
	if err := validUTF8(s); err != nil {
		return "", n, err
	}
	return s, n, nil
}

// encodeBytes writes a length-prefixed binary field to w.
func encodeBytes(w io.Writer, data []byte) (int, error) {
	if len(data) > maxUint16 {
		return 0, ErrBinaryTooLong
	}

	n, err := writeUint16(w, uint16(len(data)))
	if err != nil {
		return n, err
	}

	n2, err := w.Write(data)
	return n + n2, err
}

// decodeBytes reads a length-prefixed binary field from r.
func decodeBytes(r io.Reader) ([]byte, int, error) {
	length, n, err := readUint16(r)
	if err != nil {
		return nil, n, err
	}
	if length == 0 {
		return nil, n, nil
	}

	buf := make([]byte, length)
	n2, err := io.ReadFull(r, buf)
	n += n2
	if err != nil {
		return nil, n, err
	}
	return buf, n, nil
}

// StringPair is a UTF-8 key-value pair, used by the USER_PROPERTY property.
type StringPair struct {
	Key   string
	Value string
}

// encodeStringPair writes key then value as length-prefixed strings.
func encodeStringPair(w io.Writer, pair StringPair) (int, error) {
	n, err := encodeUTF8(w, pair.Key)
	if err != nil {
		return n, err
	}

	n2, err := encodeUTF8(w, pair.Value)
	return n + n2, err
}

// decodeStringPair reads key then value as length-prefixed strings.
func decodeStringPair(r io.Reader) (StringPair, int, error) {
	key, n, err := decodeUTF8(r)
	if err != nil {
		return StringPair{}, n, err
	}

	value, n2, err := decodeUTF8(r)
	n += n2
	if err != nil {
		return StringPair{}, n, err
	}

	return StringPair{Key: key, Value: value}, n, nil
}

// encodeUvarint writes an MQTT variable byte integer to w.
// Values encode to 1-4 bytes, 7 bits per byte with a continuation bit.
func encodeUvarint(w io.Writer, value uint32) (int, error) {
	if value > maxVarint {
		return 0, ErrVarintTooLarge
	}

	var buf [4]byte
	n := 0
	for {
		b := byte(value & varintMask)
		value >>= 7
		if value > 0 {
			b |= varintCont
		}
		buf[n] = b
		n++
		if value == 0 {
			break
		}
	}

	return w.Write(buf[:n])
}

// decodeUvarint reads an MQTT variable byte integer from r.
func decodeUvarint(r io.Reader) (uint32, int, error) {
	var value uint32
	var shift uint
	bytesRead := 0

	for {
		b, n, err := readByte(r)
		bytesRead += n
		if err != nil {
			return 0, bytesRead, err
		}

		value |= uint32(b&varintMask) << shift
		if value > maxVarint {
			return 0, bytesRead, ErrVarintTooLarge
		}

		if b&varintCont == 0 {
			return value, bytesRead, nil
		}

		shift += 7
		if shift > 21 {
			return 0, bytesRead, ErrVarintMalformed
		}
	}
}

// uvarintLen returns the encoded size of a variable byte integer.
func uvarintLen(value uint32) int {
	switch {
	case value < 1<<7:
		return 1
	case value < 1<<14:
		return 2
	case value < 1<<21:
		return 3
	default:
		return 4
	}
}
