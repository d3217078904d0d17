// Package binary implements schema-driven encoding of instruction payloads
// and account state.
//
// A Layout is an ordered list of named fields. All multi-byte integers are
// little-endian, strings carry a u32 length prefix, and Option fields carry a
// one byte presence flag. COption is the fixed-width variant used by token
// program state, with a four byte tag and a payload that is always present
// on the wire.
package binary

import (
	"crypto/ed25519"
	"encoding/binary"
	"math"
	"unicode/utf8"
)

type Kind uint8

const (
	KindU8 Kind = iota
	KindU16
	KindU32
	KindU64
	KindI64
	KindBool
	KindPublicKey
	KindString
	KindOption
	KindCOption
)

func (k Kind) String() string {
	switch k {
	case KindU8:
		return "u8"
	case KindU16:
		return "u16"
	case KindU32:
		return "u32"
	case KindU64:
		return "u64"
	case KindI64:
		return "i64"
	case KindBool:
		return "bool"
	case KindPublicKey:
		return "publicKey"
	case KindString:
		return "string"
	case KindOption:
		return "option"
	case KindCOption:
		return "coption"
	}
	return "unknown"
}

type Field struct {
	Name  string
	Kind  Kind
	inner *Field
}

func U8(name string) Field        { return Field{Name: name, Kind: KindU8} }
func U16(name string) Field       { return Field{Name: name, Kind: KindU16} }
func U32(name string) Field       { return Field{Name: name, Kind: KindU32} }
func U64(name string) Field       { return Field{Name: name, Kind: KindU64} }
func I64(name string) Field       { return Field{Name: name, Kind: KindI64} }
func Bool(name string) Field      { return Field{Name: name, Kind: KindBool} }
func PublicKey(name string) Field { return Field{Name: name, Kind: KindPublicKey} }
func String(name string) Field    { return Field{Name: name, Kind: KindString} }

// Option wraps inner with a one byte presence flag. The inner field's name
// is ignored.
func Option(name string, inner Field) Field {
	return Field{Name: name, Kind: KindOption, inner: &inner}
}

// COption wraps a fixed size inner field with a four byte tag. It panics if
// inner has no fixed size.
func COption(name string, inner Field) Field {
	if inner.fixedSize() < 0 {
		panic("binary: coption requires a fixed size field")
	}
	return Field{Name: name, Kind: KindCOption, inner: &inner}
}

// fixedSize returns the encoded size of the field, or -1 when it depends on
// the value.
func (f Field) fixedSize() int {
	switch f.Kind {
	case KindU8, KindBool:
		return 1
	case KindU16:
		return 2
	case KindU32:
		return 4
	case KindU64, KindI64:
		return 8
	case KindPublicKey:
		return ed25519.PublicKeySize
	case KindCOption:
		return 4 + f.inner.fixedSize()
	}
	return -1
}

func (f Field) minSize() int {
	switch f.Kind {
	case KindString:
		return 4
	case KindOption:
		return 1
	}
	return f.fixedSize()
}

// Layout is an ordered set of fields.
type Layout struct {
	fields []Field
}

func NewLayout(fields ...Field) Layout {
	return Layout{fields: fields}
}

func (l Layout) Fields() []Field {
	return l.fields
}

// MinSize is the encoded size with every string empty and every option
// absent.
func (l Layout) MinSize() int {
	var size int
	for _, f := range l.fields {
		size += f.minSize()
	}
	return size
}

// Size returns the exact encoded length for values.
func (l Layout) Size(values Values) (int, error) {
	encoded, err := l.Encode(values)
	if err != nil {
		return 0, err
	}
	return len(encoded), nil
}

// Encode serializes values in layout order. A missing value is only allowed
// for optional fields, where it encodes as absent.
func (l Layout) Encode(values Values) ([]byte, error) {
	buf := make([]byte, 0, l.MinSize())
	for _, f := range l.fields {
		v, ok := values[f.Name]
		if !ok && f.Kind != KindOption && f.Kind != KindCOption {
			return nil, encodingErrorf(f.Name, "missing value")
		}

		var err error
		if buf, err = f.encode(buf, f.Name, v); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// Decode parses data according to the layout. Bytes beyond the layout are
// ignored, since account data is commonly allocated with spare room.
func (l Layout) Decode(data []byte) (Values, error) {
	values, _, err := l.DecodePrefix(data)
	return values, err
}

// DecodePrefix is Decode that also reports how many bytes were consumed.
func (l Layout) DecodePrefix(data []byte) (Values, int, error) {
	values := make(Values, len(l.fields))

	var offset int
	for _, f := range l.fields {
		v, n, err := f.decode(data[offset:], f.Name)
		if err != nil {
			return nil, 0, err
		}
		values[f.Name] = v
		offset += n
	}
	return values, offset, nil
}

// Encode is shorthand for layout.Encode.
func Encode(layout Layout, values Values) ([]byte, error) {
	return layout.Encode(values)
}

// Decode is shorthand for layout.Decode.
func Decode(layout Layout, data []byte) (Values, error) {
	return layout.Decode(data)
}

func (f Field) encode(dst []byte, name string, v interface{}) ([]byte, error) {
	switch f.Kind {
	case KindU8:
		u, err := unsigned(name, v, math.MaxUint8)
		if err != nil {
			return nil, err
		}
		return append(dst, byte(u)), nil
	case KindU16:
		u, err := unsigned(name, v, math.MaxUint16)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(dst, uint16(u)), nil
	case KindU32:
		u, err := unsigned(name, v, math.MaxUint32)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(dst, uint32(u)), nil
	case KindU64:
		u, err := unsigned(name, v, math.MaxUint64)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(dst, u), nil
	case KindI64:
		i, err := signed(name, v)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint64(dst, uint64(i)), nil
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, encodingErrorf(name, "expected bool, got %T", v)
		}
		if b {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case KindPublicKey:
		key, err := publicKey(name, v)
		if err != nil {
			return nil, err
		}
		return append(dst, key...), nil
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, encodingErrorf(name, "expected string, got %T", v)
		}
		if !utf8.ValidString(s) {
			return nil, encodingErrorf(name, "string is not valid utf-8")
		}
		if uint64(len(s)) > math.MaxUint32 {
			return nil, encodingErrorf(name, "string length %d overflows u32", len(s))
		}
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s)))
		return append(dst, s...), nil
	case KindOption:
		inner, present := optional(v)
		if !present {
			return append(dst, 0), nil
		}
		return f.inner.encode(append(dst, 1), name, inner)
	case KindCOption:
		inner, present := optional(v)
		if !present {
			dst = binary.LittleEndian.AppendUint32(dst, 0)
			return append(dst, make([]byte, f.inner.fixedSize())...), nil
		}
		return f.inner.encode(binary.LittleEndian.AppendUint32(dst, 1), name, inner)
	}
	return nil, encodingErrorf(name, "unsupported kind %d", f.Kind)
}

func (f Field) decode(src []byte, name string) (interface{}, int, error) {
	if need := f.minSize(); len(src) < need {
		return nil, 0, decodingErrorf(name, "need %d bytes for %s, have %d", need, f.Kind, len(src))
	}

	switch f.Kind {
	case KindU8:
		return src[0], 1, nil
	case KindU16:
		return binary.LittleEndian.Uint16(src), 2, nil
	case KindU32:
		return binary.LittleEndian.Uint32(src), 4, nil
	case KindU64:
		return binary.LittleEndian.Uint64(src), 8, nil
	case KindI64:
		return int64(binary.LittleEndian.Uint64(src)), 8, nil
	case KindBool:
		switch src[0] {
		case 0:
			return false, 1, nil
		case 1:
			return true, 1, nil
		}
		return nil, 0, decodingErrorf(name, "invalid bool value %d", src[0])
	case KindPublicKey:
		key := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(key, src)
		return key, ed25519.PublicKeySize, nil
	case KindString:
		length := binary.LittleEndian.Uint32(src)
		if uint64(len(src)-4) < uint64(length) {
			return nil, 0, decodingErrorf(name, "string length %d exceeds remaining %d bytes", length, len(src)-4)
		}
		raw := src[4 : 4+int(length)]
		if !utf8.Valid(raw) {
			return nil, 0, decodingErrorf(name, "string is not valid utf-8")
		}
		return string(raw), 4 + int(length), nil
	case KindOption:
		switch src[0] {
		case 0:
			return nil, 1, nil
		case 1:
			v, n, err := f.inner.decode(src[1:], name)
			if err != nil {
				return nil, 0, err
			}
			return v, n + 1, nil
		}
		return nil, 0, decodingErrorf(name, "invalid option flag %d", src[0])
	case KindCOption:
		size := f.fixedSize()
		switch binary.LittleEndian.Uint32(src) {
		case 0:
			return nil, size, nil
		case 1:
			v, _, err := f.inner.decode(src[4:], name)
			if err != nil {
				return nil, 0, err
			}
			return v, size, nil
		}
		return nil, 0, decodingErrorf(name, "invalid coption tag %d", binary.LittleEndian.Uint32(src))
	}
	return nil, 0, decodingErrorf(name, "unsupported kind %d", f.Kind)
}

func unsigned(name string, v interface{}, max uint64) (uint64, error) {
	mag, negative, ok := integer(v)
	if !ok {
		return 0, encodingErrorf(name, "expected integer, got %T", v)
	}
	if negative {
		return 0, encodingErrorf(name, "negative value for unsigned field")
	}
	if mag > max {
		return 0, encodingErrorf(name, "value %d overflows maximum %d", mag, max)
	}
	return mag, nil
}

func signed(name string, v interface{}) (int64, error) {
	mag, negative, ok := integer(v)
	if !ok {
		return 0, encodingErrorf(name, "expected integer, got %T", v)
	}
	if negative {
		if mag > 1<<63 {
			return 0, encodingErrorf(name, "value overflows i64")
		}
		return int64(^mag + 1), nil
	}
	if mag > math.MaxInt64 {
		return 0, encodingErrorf(name, "value %d overflows i64", mag)
	}
	return int64(mag), nil
}

// integer normalizes any Go integer into a magnitude and sign.
func integer(v interface{}) (mag uint64, negative bool, ok bool) {
	var s int64
	switch n := v.(type) {
	case uint8:
		return uint64(n), false, true
	case uint16:
		return uint64(n), false, true
	case uint32:
		return uint64(n), false, true
	case uint64:
		return n, false, true
	case uint:
		return uint64(n), false, true
	case int8:
		s = int64(n)
	case int16:
		s = int64(n)
	case int32:
		s = int64(n)
	case int64:
		s = n
	case int:
		s = int64(n)
	default:
		return 0, false, false
	}

	if s < 0 {
		return uint64(-(s + 1)) + 1, true, true
	}
	return uint64(s), false, true
}

func publicKey(name string, v interface{}) ([]byte, error) {
	var key []byte
	switch k := v.(type) {
	case ed25519.PublicKey:
		key = k
	case []byte:
		key = k
	case [ed25519.PublicKeySize]byte:
		key = k[:]
	default:
		return nil, encodingErrorf(name, "expected public key, got %T", v)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, encodingErrorf(name, "public key must be %d bytes, got %d", ed25519.PublicKeySize, len(key))
	}
	return key, nil
}

// optional unwraps the ways callers express an absent value.
func optional(v interface{}) (interface{}, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case ed25519.PublicKey:
		return t, t != nil
	case []byte:
		return t, t != nil
	case *uint8:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *uint64:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *int64:
		if t == nil {
			return nil, false
		}
		return *t, true
	case *string:
		if t == nil {
			return nil, false
		}
		return *t, true
	}
	return v, true
}
