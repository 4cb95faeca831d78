package index

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/dgryski/go-farm"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/tchajed/docdb/dberr"
)

// KeyFormat is a fixed-width binary key layout, written like a struct format
// character: b B h H i I l L q Q for signed and unsigned 1, 2, 4, 4 and 8 byte
// integers, or Ns for an N-byte string.
//
// Encoded keys compare bytewise in the same order as their values: integers
// are big-endian with the sign bit flipped, and strings are zero padded.
type KeyFormat struct {
	format string
	kind   byte
	size   int
	signed bool
}

// ParseKeyFormat parses a format such as "I" or "16s". A leading byte-order
// mark (<, >, !, = or @) is accepted and ignored; keys are always big-endian.
func ParseKeyFormat(format string) (KeyFormat, error) {
	s := format
	if len(s) > 0 {
		switch s[0] {
		case '<', '>', '!', '=', '@':
			s = s[1:]
		}
	}
	if len(s) == 0 {
		return KeyFormat{}, errors.Wrap(dberr.ErrKeyFormat, "empty key format")
	}
	f := KeyFormat{format: format, kind: s[len(s)-1]}
	if f.kind == 's' {
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || n <= 0 || n > math.MaxUint16 {
			return KeyFormat{}, errors.Wrapf(dberr.ErrKeyFormat, "bad string width in %q", format)
		}
		f.size = n
		return f, nil
	}
	if len(s) != 1 {
		return KeyFormat{}, errors.Wrapf(dberr.ErrKeyFormat, "unsupported key format %q", format)
	}
	switch f.kind {
	case 'b', 'B':
		f.size = 1
	case 'h', 'H':
		f.size = 2
	case 'i', 'I', 'l', 'L':
		f.size = 4
	case 'q', 'Q':
		f.size = 8
	default:
		return KeyFormat{}, errors.Wrapf(dberr.ErrKeyFormat, "unsupported key format %q", format)
	}
	f.signed = f.kind >= 'a' && f.kind <= 'z'
	return f, nil
}

// MustKeyFormat is ParseKeyFormat for formats known to be valid.
func MustKeyFormat(format string) KeyFormat {
	f, err := ParseKeyFormat(format)
	if err != nil {
		panic(err)
	}
	return f
}

func (f KeyFormat) String() string {
	return f.format
}

// Size is the width of an encoded key in bytes.
func (f KeyFormat) Size() int {
	return f.size
}

// IsString reports whether the format holds strings rather than integers.
func (f KeyFormat) IsString() bool {
	return f.kind == 's'
}

func (f KeyFormat) bits() uint {
	return uint(f.size) * 8
}

func toInt64(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		return int64(v), v <= math.MaxInt64
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		return int64(v), v <= math.MaxInt64
	case float32:
		return toInt64(float64(v))
	case float64:
		if v != math.Trunc(v) || v < math.MinInt64 || v >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

func (f KeyFormat) encodeInt(v interface{}) ([]byte, error) {
	var u uint64
	switch n := v.(type) {
	case uint:
		u = uint64(n)
	case uint64:
		u = n
	default:
		i, ok := toInt64(v)
		if !ok {
			return nil, errors.Wrapf(dberr.ErrKeyFormat, "%v (%T) is not an integer", v, v)
		}
		if f.signed {
			lo, hi := int64(-1)<<(f.bits()-1), int64(1)<<(f.bits()-1)-1
			if i < lo || i > hi {
				return nil, errors.Wrapf(dberr.ErrKeyFormat, "%d out of range for %q", i, f.format)
			}
			u = (uint64(i) ^ 1<<(f.bits()-1)) & (math.MaxUint64 >> (64 - f.bits()))
			return f.putUint(u), nil
		}
		if i < 0 {
			return nil, errors.Wrapf(dberr.ErrKeyFormat, "%d out of range for %q", i, f.format)
		}
		u = uint64(i)
	}
	if f.signed {
		if u > uint64(1)<<(f.bits()-1)-1 {
			return nil, errors.Wrapf(dberr.ErrKeyFormat, "%d out of range for %q", u, f.format)
		}
		return f.putUint(u ^ 1<<(f.bits()-1)), nil
	}
	if f.size < 8 && u >= uint64(1)<<f.bits() {
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "%d out of range for %q", u, f.format)
	}
	return f.putUint(u), nil
}

func (f KeyFormat) putUint(u uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], u)
	return buf[8-f.size:]
}

// Encode converts v into exactly Size bytes.
//
// Strings are zero padded, so a string ending in a NUL byte would share its
// key with the string without it; such strings are rejected. Byte slices
// are taken as binary keys and padded as they are: two slices that differ
// only in trailing zero bytes get the same key.
func (f KeyFormat) Encode(v interface{}) ([]byte, error) {
	if !f.IsString() {
		return f.encodeInt(v)
	}
	var b []byte
	switch v := v.(type) {
	case string:
		if len(v) > 0 && v[len(v)-1] == 0 {
			return nil, errors.Wrapf(dberr.ErrKeyFormat, "%q ends in a NUL byte", v)
		}
		b = []byte(v)
	case []byte:
		b = v
	case uuid.UUID:
		b = v[:]
	default:
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "%v (%T) is not a string", v, v)
	}
	if len(b) > f.size {
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "%d-byte key does not fit %q", len(b), f.format)
	}
	key := make([]byte, f.size)
	copy(key, b)
	return key, nil
}

// Decode reverses Encode: integers come back as int64 or uint64, strings
// as a string with the zero padding removed.
func (f KeyFormat) Decode(key []byte) (interface{}, error) {
	if len(key) != f.size {
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "%d-byte key for %q", len(key), f.format)
	}
	if f.IsString() {
		n := len(key)
		for n > 0 && key[n-1] == 0 {
			n--
		}
		return string(key[:n]), nil
	}
	var buf [8]byte
	copy(buf[8-f.size:], key)
	u := binary.BigEndian.Uint64(buf[:])
	if !f.signed {
		return u, nil
	}
	u ^= 1 << (f.bits() - 1)
	// sign-extend
	shift := 64 - f.bits()
	return int64(u<<shift) >> shift, nil
}

// Digest hashes a string or byte slice to a 16-byte key, for indexing
// values of unbounded length under a 16s format.
func Digest(v interface{}) ([]byte, error) {
	var b []byte
	switch v := v.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return nil, errors.Wrapf(dberr.ErrKeyFormat, "cannot digest %T", v)
	}
	lo, hi := farm.Fingerprint128(b)
	d := make([]byte, 16)
	binary.BigEndian.PutUint64(d[:8], hi)
	binary.BigEndian.PutUint64(d[8:], lo)
	return d, nil
}
