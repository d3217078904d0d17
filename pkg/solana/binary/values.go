package binary

import (
	"crypto/ed25519"
)

// Values holds field values keyed by field name. Decoded values use the
// natural Go type for each kind: uint8, uint16, uint32, uint64, int64, bool,
// ed25519.PublicKey and string. Absent options decode to nil.
type Values map[string]interface{}

// IsSet reports whether the field holds a non-nil value.
func (v Values) IsSet(name string) bool {
	val, ok := v[name]
	return ok && val != nil
}

func (v Values) Uint8(name string) uint8 {
	n, _ := v[name].(uint8)
	return n
}

func (v Values) Uint16(name string) uint16 {
	n, _ := v[name].(uint16)
	return n
}

func (v Values) Uint32(name string) uint32 {
	n, _ := v[name].(uint32)
	return n
}

func (v Values) Uint64(name string) uint64 {
	n, _ := v[name].(uint64)
	return n
}

func (v Values) Int64(name string) int64 {
	n, _ := v[name].(int64)
	return n
}

func (v Values) Bool(name string) bool {
	b, _ := v[name].(bool)
	return b
}

func (v Values) PublicKey(name string) ed25519.PublicKey {
	k, _ := v[name].(ed25519.PublicKey)
	return k
}

func (v Values) String(name string) string {
	s, _ := v[name].(string)
	return s
}
