// Package wire implements the length-prefixed binary frame protocol: fixed
// command/length headers, little-endian integers, C-strings, and the
// 16-byte opaque identifiers carried in nearly every frame.
package wire

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ID is an opaque 16-byte identifier. The zero value is the distinguished
// nil id.
type ID [16]byte

// Nil is the all-zero identifier used for "no owner" / "no target".
var Nil ID

// IsNil reports whether id is the all-zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Equal reports byte-wise equality.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Less implements the lexicographic-on-bytes ordering used for deterministic
// sorts (e.g. region ordering, watch identity tie-break).
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Hash returns a 64-bit XOR-fold of the two halves, suitable for map-bucket
// hashing where a full 128-bit key would be wasteful.
func (id ID) Hash() uint64 {
	var a, b uint64
	for i := 0; i < 8; i++ {
		a |= uint64(id[i]) << (8 * i)
		b |= uint64(id[i+8]) << (8 * i)
	}
	return a ^ b
}

// Format renders the canonical hyphenated form: 8-4-4-4-12 hex digits.
func (id ID) Format() string {
	var buf [36]byte
	hex.Encode(buf[0:8], id[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], id[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], id[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], id[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:36], id[10:16])
	return string(buf[:])
}

// String implements fmt.Stringer as Format.
func (id ID) String() string {
	return id.Format()
}

// ShortFormat returns the first hyphen-less segment, for compact log lines.
func (id ID) ShortFormat() string {
	s := id.Format()
	if i := strings.IndexByte(s, '-'); i >= 0 {
		return s[:i]
	}
	return s
}

// Parse parses the canonical hyphenated form produced by Format.
func Parse(text string) (ID, error) {
	var id ID
	clean := strings.ReplaceAll(text, "-", "")
	if len(clean) != 32 {
		return id, fmt.Errorf("wire: invalid id %q: want 32 hex digits, got %d", text, len(clean))
	}
	b, err := hex.DecodeString(clean)
	if err != nil {
		return id, fmt.Errorf("wire: invalid id %q: %w", text, err)
	}
	copy(id[:], b)
	return id, nil
}

// FromBytes copies 16 raw bytes into an ID. It panics if b is shorter than
// 16 bytes; callers at a frame boundary should size-check first via the
// Unmarshaler, which never calls this with a short slice.
func FromBytes(b []byte) ID {
	var id ID
	copy(id[:], b)
	return id
}

// Generate produces a fresh, uniformly random id, retrying the vanishingly
// unlikely case it lands on Nil. It delegates to uuid.NewRandom() for the
// underlying entropy rather than rolling its own crypto/rand call; the wire
// ID type stays a plain 16-byte array so the rest of the package never sees
// a uuid.UUID.
func Generate() ID {
	for {
		u, err := uuid.NewRandom()
		if err != nil {
			// uuid.NewRandom reads crypto/rand under the hood; a failure
			// here indicates a broken entropy source, which is fatal to
			// every other subsystem too.
			panic("wire: uuid.NewRandom unavailable: " + err.Error())
		}
		id := FromBytes(u[:])
		if !id.IsNil() {
			return id
		}
	}
}

// Combine deterministically and injectively folds a 32-bit value into a
// derived id: each of the four 32-bit lanes of id is XORed with a distinct
// rotation of v, so two different inputs (id, v) essentially never collide
// while remaining a pure function of (id, v).
func Combine(id ID, v uint32) ID {
	var out ID
	copy(out[:], id[:])
	lanes := [4]uint32{v, rotl32(v, 8), rotl32(v, 16), rotl32(v, 24)}
	for lane := 0; lane < 4; lane++ {
		off := lane * 4
		var l uint32
		l |= uint32(out[off])
		l |= uint32(out[off+1]) << 8
		l |= uint32(out[off+2]) << 16
		l |= uint32(out[off+3]) << 24
		l ^= lanes[lane]
		out[off] = byte(l)
		out[off+1] = byte(l >> 8)
		out[off+2] = byte(l >> 16)
		out[off+3] = byte(l >> 24)
	}
	return out
}

func rotl32(v uint32, n uint) uint32 {
	return (v << n) | (v >> (32 - n))
}
