package mqttc

import (
	"errors"
	"io"
)

// PropertyID identifies an MQTT v5.0 property. v3.1.1 packets carry no
// properties; encoding is skipped entirely for that protocol version.
type PropertyID byte

// Property identifiers defined by MQTT v5.0.
const (
	PropPayloadFormatIndicator   PropertyID = 0x01
	PropMessageExpiryInterval    PropertyID = 0x02
	PropContentType              PropertyID = 0x03
	PropResponseTopic            PropertyID = 0x08
	PropCorrelationData          PropertyID = 0x09
	PropSubscriptionIdentifier   PropertyID = 0x0B
	PropSessionExpiryInterval    PropertyID = 0x11
	PropAssignedClientIdentifier PropertyID = 0x12
	PropServerKeepAlive          PropertyID = 0x13
	PropAuthenticationMethod     PropertyID = 0x15
	PropAuthenticationData       PropertyID = 0x16
	PropRequestProblemInfo       PropertyID = 0x17
	PropWillDelayInterval        PropertyID = 0x18
	PropRequestResponseInfo      PropertyID = 0x19
	PropResponseInformation      PropertyID = 0x1A
	PropServerReference          PropertyID = 0x1C
	PropReasonString             PropertyID = 0x1F
	PropReceiveMaximum           PropertyID = 0x21
	PropTopicAliasMaximum        PropertyID = 0x22
	PropTopicAlias               PropertyID = 0x23
	PropMaximumQoS               PropertyID = 0x24
	PropRetainAvailable          PropertyID = 0x25
	PropUserProperty             PropertyID = 0x26
	PropMaximumPacketSize        PropertyID = 0x27
	PropWildcardSubAvailable     PropertyID = 0x28
	PropSubscriptionIDAvailable  PropertyID = 0x29
	PropSharedSubAvailable       PropertyID = 0x2A
)

// PropertyType is the wire data type of a property value.
type PropertyType byte

const (
	PropTypeByte        PropertyType = 0 // single byte
	PropTypeTwoByteInt  PropertyType = 1 // two byte integer (uint16)
	PropTypeFourByteInt PropertyType = 2 // four byte integer (uint32)
	PropTypeVarInt      PropertyType = 3 // variable byte integer
	PropTypeString      PropertyType = 4 // UTF-8 encoded string
	PropTypeBinary      PropertyType = 5 // binary data
	PropTypeStringPair  PropertyType = 6 // UTF-8 string pair
)

// propertyTypeMap maps property IDs to their wire data types.
var propertyTypeMap = map[PropertyID]PropertyType{
	PropPayloadFormatIndicator:   PropTypeByte,
	PropMessageExpiryInterval:    PropTypeFourByteInt,
	PropContentType:              PropTypeString,
	PropResponseTopic:            PropTypeString,
	PropCorrelationData:          PropTypeBinary,
	PropSubscriptionIdentifier:   PropTypeVarInt,
	PropSessionExpiryInterval:    PropTypeFourByteInt,
	PropAssignedClientIdentifier: PropTypeString,
	PropServerKeepAlive:          PropTypeTwoByteInt,
	PropAuthenticationMethod:     PropTypeString,
	PropAuthenticationData:       PropTypeBinary,
	PropRequestProblemInfo:       PropTypeByte,
	PropWillDelayInterval:        PropTypeFourByteInt,
	PropRequestResponseInfo:      PropTypeByte,
	PropResponseInformation:      PropTypeString,
	PropServerReference:          PropTypeString,
	PropReasonString:             PropTypeString,
	PropReceiveMaximum:           PropTypeTwoByteInt,
	PropTopicAliasMaximum:        PropTypeTwoByteInt,
	PropTopicAlias:               PropTypeTwoByteInt,
	PropMaximumQoS:               PropTypeByte,
	PropRetainAvailable:          PropTypeByte,
	PropUserProperty:             PropTypeStringPair,
	PropMaximumPacketSize:        PropTypeFourByteInt,
	PropWildcardSubAvailable:     PropTypeByte,
	PropSubscriptionIDAvailable:  PropTypeByte,
	PropSharedSubAvailable:       PropTypeByte,
}

// PropertyType returns the wire data type for this property ID.
func (p PropertyID) PropertyType() PropertyType {
	if t, ok := propertyTypeMap[p]; ok {
		return t
	}
	return PropTypeByte
}

// PropertyContext names the place a property list appears in. Will properties
// sit inside the CONNECT payload and have their own legality column, so they
// get a context distinct from the packet types.
type PropertyContext byte

const (
	CtxCONNECT PropertyContext = iota
	CtxCONNACK
	CtxPUBLISH
	CtxWill
	CtxPUBACK
	CtxPUBREC
	CtxPUBREL
	CtxPUBCOMP
	CtxSUBSCRIBE
	CtxSUBACK
	CtxUNSUBSCRIBE
	CtxUNSUBACK
	CtxDISCONNECT
	CtxAUTH
)

// contextForPacket maps a packet type to its property context.
// Will properties are handled separately by the CONNECT codec.
func contextForPacket(pt PacketType) (PropertyContext, bool) {
	switch pt {
	case PacketCONNECT:
		return CtxCONNECT, true
	case PacketCONNACK:
		return CtxCONNACK, true
	case PacketPUBLISH:
		return CtxPUBLISH, true
	case PacketPUBACK:
		return CtxPUBACK, true
	case PacketPUBREC:
		return CtxPUBREC, true
	case PacketPUBREL:
		return CtxPUBREL, true
	case PacketPUBCOMP:
		return CtxPUBCOMP, true
	case PacketSUBSCRIBE:
		return CtxSUBSCRIBE, true
	case PacketSUBACK:
		return CtxSUBACK, true
	case PacketUNSUBSCRIBE:
		return CtxUNSUBSCRIBE, true
	case PacketUNSUBACK:
		return CtxUNSUBACK, true
	case PacketDISCONNECT:
		return CtxDISCONNECT, true
	case PacketAUTH:
		return CtxAUTH, true
	default:
		return 0, false
	}
}

// propertyContexts is the legality table: the contexts each property may
// appear in, per the v5.0 property table.
var propertyContexts = map[PropertyID][]PropertyContext{
	PropPayloadFormatIndicator:   {CtxPUBLISH, CtxWill},
	PropMessageExpiryInterval:    {CtxPUBLISH, CtxWill},
	PropContentType:              {CtxPUBLISH, CtxWill},
	PropResponseTopic:            {CtxPUBLISH, CtxWill},
	PropCorrelationData:          {CtxPUBLISH, CtxWill},
	PropSubscriptionIdentifier:   {CtxPUBLISH, CtxSUBSCRIBE},
	PropSessionExpiryInterval:    {CtxCONNECT, CtxCONNACK, CtxDISCONNECT},
	PropAssignedClientIdentifier: {CtxCONNACK},
	PropServerKeepAlive:          {CtxCONNACK},
	PropAuthenticationMethod:     {CtxCONNECT, CtxCONNACK, CtxAUTH},
	PropAuthenticationData:       {CtxCONNECT, CtxCONNACK, CtxAUTH},
	PropRequestProblemInfo:       {CtxCONNECT},
	PropWillDelayInterval:        {CtxWill},
	PropRequestResponseInfo:      {CtxCONNECT},
	PropResponseInformation:      {CtxCONNACK},
	PropServerReference:          {CtxCONNACK, CtxDISCONNECT},
	PropReasonString: {CtxCONNACK, CtxPUBACK, CtxPUBREC, CtxPUBREL,
		CtxPUBCOMP, CtxSUBACK, CtxUNSUBACK, CtxDISCONNECT, CtxAUTH},
	PropReceiveMaximum:    {CtxCONNECT, CtxCONNACK},
	PropTopicAliasMaximum: {CtxCONNECT, CtxCONNACK},
	PropTopicAlias:        {CtxPUBLISH},
	PropMaximumQoS:        {CtxCONNACK},
	PropRetainAvailable:   {CtxCONNACK},
	PropUserProperty: {CtxCONNECT, CtxCONNACK, CtxPUBLISH, CtxWill,
		CtxPUBACK, CtxPUBREC, CtxPUBREL, CtxPUBCOMP, CtxSUBSCRIBE,
		CtxSUBACK, CtxUNSUBSCRIBE, CtxUNSUBACK, CtxDISCONNECT, CtxAUTH},
	PropMaximumPacketSize:       {CtxCONNECT, CtxCONNACK},
	PropWildcardSubAvailable:    {CtxCONNACK},
	PropSubscriptionIDAvailable: {CtxCONNACK},
	PropSharedSubAvailable:      {CtxCONNACK},
}

// AllowedIn reports whether the property may appear in the given context.
func (p PropertyID) AllowedIn(ctx PropertyContext) bool {
	for _, c := range propertyContexts[p] {
		if c == ctx {
			return true
		}
	}
	return false
}

// Repeatable reports whether the property may appear more than once in a
// single property list. Everything else must be unique.
func (p PropertyID) Repeatable() bool {
	return p == PropUserProperty || p == PropSubscriptionIdentifier
}

// Property errors.
var (
	ErrUnknownPropertyID   = errors.New("unknown property identifier")
	ErrInvalidPropertyType = errors.New("invalid property type for identifier")
	ErrDuplicateProperty   = errors.New("duplicate property not allowed")
	ErrPropertyNotAllowed  = errors.New("property not allowed in this packet")
)

// Properties is an ordered collection of MQTT v5.0 properties. Insertion
// order is preserved on the wire.
type Properties struct {
	props []property
}

type property struct {
	id    PropertyID
	value any
}

// Len returns the number of properties in the collection.
func (p *Properties) Len() int {
	if p == nil {
		return 0
	}
	return len(p.props)
}

// Has reports whether a property with the given ID exists.
func (p *Properties) Has(id PropertyID) bool {
	if p == nil {
		return false
	}
	for i := range p.props {
		if p.props[i].id == id {
			return true
		}
	}
	return false
}

// Get returns the first value of the property with the given ID, or nil.
func (p *Properties) Get(id PropertyID) any {
	if p == nil {
		return nil
	}
	for i := range p.props {
		if p.props[i].id == id {
			return p.props[i].value
		}
	}
	return nil
}

// GetAll returns every value stored under the given ID, in insertion order.
// Useful for repeatable properties (UserProperty, SubscriptionIdentifier).
func (p *Properties) GetAll(id PropertyID) []any {
	if p == nil {
		return nil
	}
	var result []any
	for i := range p.props {
		if p.props[i].id == id {
			result = append(result, p.props[i].value)
		}
	}
	return result
}

// Each calls fn for every property in insertion order.
func (p *Properties) Each(fn func(id PropertyID, value any)) {
	if p == nil {
		return
	}
	for i := range p.props {
		fn(p.props[i].id, p.props[i].value)
	}
}

// Set stores a property value, replacing any existing value for the ID.
func (p *Properties) Set(id PropertyID, value any) {
	if p == nil {
		return
	}
	for i := range p.props {
		if p.props[i].id == id {
			p.props[i].value = value
			return
		}
	}
	p.props = append(p.props, property{id: id, value: value})
}

// Add appends a property value after checking it against the legality table
// for the given context. Non-repeatable properties that are already present
// are rejected with ErrDuplicateProperty.
func (p *Properties) Add(ctx PropertyContext, id PropertyID, value any) error {
	if _, ok := propertyTypeMap[id]; !ok {
		return ErrUnknownPropertyID
	}
	if !id.AllowedIn(ctx) {
		return ErrPropertyNotAllowed
	}
	if !id.Repeatable() && p.Has(id) {
		return ErrDuplicateProperty
	}
	p.props = append(p.props, property{id: id, value: value})
	return nil
}

// Delete removes all properties with the given ID.
func (p *Properties) Delete(id PropertyID) {
	if p == nil {
		return
	}
	n := 0
	for i := range p.props {
		if p.props[i].id != id {
			p.props[n] = p.props[i]
			n++
		}
	}
	p.props = p.props[:n]
}

// ValidateIn checks every stored property against the legality table for the
// given context and rejects illegal repeats.
func (p *Properties) ValidateIn(ctx PropertyContext) error {
	if p == nil {
		return nil
	}
	seen := make(map[PropertyID]bool, len(p.props))
	for i := range p.props {
		id := p.props[i].id
		if !id.AllowedIn(ctx) {
			return ErrPropertyNotAllowed
		}
		if seen[id] && !id.Repeatable() {
			return ErrDuplicateProperty
		}
		seen[id] = true
	}
	return nil
}

// Typed getters

// GetByte returns the byte value of a property, or 0 if not found.
func (p *Properties) GetByte(id PropertyID) byte {
	if b, ok := p.Get(id).(byte); ok {
		return b
	}
	return 0
}

// GetUint16 returns the uint16 value of a property, or 0 if not found.
func (p *Properties) GetUint16(id PropertyID) uint16 {
	if u, ok := p.Get(id).(uint16); ok {
		return u
	}
	return 0
}

// GetUint32 returns the uint32 value of a property, or 0 if not found.
func (p *Properties) GetUint32(id PropertyID) uint32 {
	if u, ok := p.Get(id).(uint32); ok {
		return u
	}
	return 0
}

// GetString returns the string value of a property, or "" if not found.
func (p *Properties) GetString(id PropertyID) string {
	if s, ok := p.Get(id).(string); ok {
		return s
	}
	return ""
}

// GetBinary returns the binary value of a property, or nil if not found.
func (p *Properties) GetBinary(id PropertyID) []byte {
	if b, ok := p.Get(id).([]byte); ok {
		return b
	}
	return nil
}

// GetStringPair returns the string pair value of a property, or the zero
// value if not found.
func (p *Properties) GetStringPair(id PropertyID) StringPair {
	if sp, ok := p.Get(id).(StringPair); ok {
		return sp
	}
	return StringPair{}
}

// GetAllStringPairs returns all string pair values for the given ID.
func (p *Properties) GetAllStringPairs(id PropertyID) []StringPair {
	all := p.GetAll(id)
	if all == nil {
		return nil
	}
	result := make([]StringPair, 0, len(all))
	for _, v := range all {
		if sp, ok := v.(StringPair); ok {
			result = append(result, sp)
		}
	}
	return result
}

// GetAllVarInts returns all variable integer values for the given ID.
func (p *Properties) GetAllVarInts(id PropertyID) []uint32 {
	all := p.GetAll(id)
	if all == nil {
		return nil
	}
	result := make([]uint32, 0, len(all))
	for _, v := range all {
		if u, ok := v.(uint32); ok {
			result = append(result, u)
		}
	}
	return result
}

// Encode writes the length-prefixed property list to w.
// Returns the number of bytes written.
func (p *Properties) Encode(w io.Writer) (int, error) {
	if p == nil || len(p.props) == 0 {
		return encodeUvarint(w, 0)
	}

	size := p.size()
	n, err := encodeUvarint(w, uint32(size))
	if err != nil {
		return n, err
	}

	for i := range p.props {
		n2, err := p.encodeProperty(w, &p.props[i])
		n += n2
		if err != nil {
			return n, err
		}
	}

	return n, nil
}

func (p *Properties) encodeProperty(w io.Writer, prop *property) (int, error) {
	n, err := writeByte(w, byte(prop.id))
	if err != nil {
		return n, err
	}

	var n2 int
	switch prop.id.PropertyType() {
	case PropTypeByte:
		b, _ := prop.value.(byte)
		n2, err = writeByte(w, b)

	case PropTypeTwoByteInt:
		v, _ := prop.value.(uint16)
		n2, err = writeUint16(w, v)

	case PropTypeFourByteInt:
		v, _ := prop.value.(uint32)
		n2, err = writeUint32(w, v)

	case PropTypeVarInt:
		v, _ := prop.value.(uint32)
		n2, err = encodeUvarint(w, v)

	case PropTypeString:
		s, _ := prop.value.(string)
		n2, err = encodeUTF8(w, s)

	case PropTypeBinary:
		b, _ := prop.value.([]byte)
		n2, err = encodeBytes(w, b)

	case PropTypeStringPair:
		sp, _ := prop.value.(StringPair)
		n2, err = encodeStringPair(w, sp)
	}

	return n + n2, err
}

func (p *Properties) size() int {
	if p == nil {
		return 0
	}

	size := 0
	for i := range p.props {
		prop := &p.props[i]
		size++ // property ID

		switch prop.id.PropertyType() {
		case PropTypeByte:
			size++
		case PropTypeTwoByteInt:
			size += 2
		case PropTypeFourByteInt:
			size += 4
		case PropTypeVarInt:
			v, _ := prop.value.(uint32)
			size += uvarintLen(v)
		case PropTypeString:
			s, _ := prop.value.(string)
			size += 2 + len(s)
		case PropTypeBinary:
			b, _ := prop.value.([]byte)
			size += 2 + len(b)
		case PropTypeStringPair:
			sp, _ := prop.value.(StringPair)
			size += 2 + len(sp.Key) + 2 + len(sp.Value)
		}
	}
	return size
}

// encodedSize returns the full wire size of the property list including its
// length prefix. Used by packets to compute the remaining length.
func (p *Properties) encodedSize() int {
	size := p.size()
	return uvarintLen(uint32(size)) + size
}

// Decode reads a length-prefixed property list from r and validates it
// against the legality table for ctx. Returns the number of bytes read.
func (p *Properties) Decode(r io.Reader, ctx PropertyContext) (int, error) {
	length, n, err := decodeUvarint(r)
	if err != nil {
		return n, err
	}

	if length == 0 {
		return n, nil
	}

	remaining := int(length)
	for remaining > 0 {
		idByte, n2, err := readByte(r)
		n += n2
		remaining -= n2
		if err != nil {
			return n, err
		}

		id := PropertyID(idByte)
		propType, ok := propertyTypeMap[id]
		if !ok {
			return n, ErrUnknownPropertyID
		}

		var value any
		var n3 int

		switch propType {
		case PropTypeByte:
			var b byte
			b, n3, err = readByte(r)
			value = b

		case PropTypeTwoByteInt:
			var v uint16
			v, n3, err = readUint16(r)
			value = v

		case PropTypeFourByteInt:
			var v uint32
			v, n3, err = readUint32(r)
			value = v

		case PropTypeVarInt:
			var v uint32
			v, n3, err = decodeUvarint(r)
			value = v

		case PropTypeString:
			var s string
			s, n3, err = decodeUTF8(r)
			value = s

		case PropTypeBinary:
			var b []byte
			b, n3, err = decodeBytes(r)
			value = b

		case PropTypeStringPair:
			var sp StringPair
			sp, n3, err = decodeStringPair(r)
			value = sp
		}

		n += n3
		remaining -= n3
		if err != nil {
			return n, err
		}

		p.props = append(p.props, property{id: id, value: value})
	}

	if remaining < 0 {
		return n, ErrVarintMalformed
	}

	return n, p.ValidateIn(ctx)
}
