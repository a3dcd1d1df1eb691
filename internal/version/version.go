// Package version implements the compact version-identifier codec exchanged
// with clients. A single identifier is encoded as
//
//	<radix64 lastModified>.<radix64 faddishness>.<typeAndPath>
//
// where typeAndPath is a type tag optionally followed by dot-delimited radix64
// numeric sub-keys (for example chunk.<roomID>.<chunkID>). Multiple identifiers
// are joined with "~" into the ReceivedVersions blob a client submits on
// reconnect and in acknowledgements.
package version

import (
	"math"
	"strings"

	"taigachat/server/internal/clock"
)

// Digit-ordered alphabet: '0'..'9' map to 0..9, so small values read as
// plain decimal digits on the wire. '.' and '~' are reserved as separators.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

var digitValue = func() [256]int8 {
	var table [256]int8
	for i := range table {
		table[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		table[alphabet[i]] = int8(i)
	}
	return table
}()

// Identifier pairs a data path with the client's last-seen timestamp for it.
// Path keeps sub-keys in their wire (radix64) form; NthSegment decodes them.
type Identifier struct {
	Path      string
	Timestamp clock.Timestamp
}

// EncodeInt renders a non-negative integer in radix64.
func EncodeInt(n int64) string {
	if n <= 0 {
		return alphabet[:1]
	}
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = alphabet[n&63]
		n >>= 6
	}
	return string(buf[i:])
}

// DecodeInt parses a radix64 segment. ok is false for empty, malformed, or
// overflowing input. Eleven digits cover every int64; longer segments and
// eleven-digit values past the int64 range are rejected rather than wrapped.
func DecodeInt(s string) (int64, bool) {
	if s == "" || len(s) > 11 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		d := digitValue[s[i]]
		if d < 0 {
			return 0, false
		}
		if n > math.MaxInt64>>6 {
			return 0, false
		}
		n = n<<6 | int64(d)
	}
	return n, true
}

// Path builds a typeAndPath from a type tag and numeric sub-keys.
func Path(tag string, keys ...int64) string {
	var b strings.Builder
	b.WriteString(tag)
	for _, k := range keys {
		b.WriteByte('.')
		b.WriteString(EncodeInt(k))
	}
	return b.String()
}

// Encode renders one identifier in wire form.
func Encode(id Identifier) string {
	return EncodeInt(id.Timestamp.LastModified) + "." + EncodeInt(int64(id.Timestamp.Faddishness)) + "." + id.Path
}

// EncodeAll joins identifiers into a ReceivedVersions blob.
func EncodeAll(ids []Identifier) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = Encode(id)
	}
	return strings.Join(parts, "~")
}

// Decode parses a ReceivedVersions blob. It never fails: accumulation simply
// stops at the first token whose leading segments are unparsable.
func Decode(blob string) []Identifier {
	var ids []Identifier
	for _, token := range strings.Split(blob, "~") {
		id, ok := decodeOne(token)
		if !ok {
			break
		}
		ids = append(ids, id)
	}
	return ids
}

func decodeOne(token string) (Identifier, bool) {
	first := strings.IndexByte(token, '.')
	if first < 0 {
		return Identifier{}, false
	}
	second := strings.IndexByte(token[first+1:], '.')
	if second < 0 {
		return Identifier{}, false
	}
	second += first + 1

	lastModified, ok := DecodeInt(token[:first])
	if !ok {
		return Identifier{}, false
	}
	faddishness, ok := DecodeInt(token[first+1 : second])
	if !ok {
		return Identifier{}, false
	}
	path := token[second+1:]
	if path == "" {
		return Identifier{}, false
	}
	return Identifier{
		Path:      path,
		Timestamp: clock.Timestamp{LastModified: lastModified, Faddishness: int(faddishness)},
	}, true
}

// NthSegment walks n dot-delimited hops past the type tag of an identifier's
// path and radix64-decodes that segment. Absent or malformed segments yield -1.
func NthSegment(id Identifier, n int) int64 {
	segments := strings.Split(id.Path, ".")
	// segments[0] is the type tag.
	if n < 0 || n+1 >= len(segments) {
		return -1
	}
	value, ok := DecodeInt(segments[n+1])
	if !ok {
		return -1
	}
	return value
}

// Tag returns the leading type tag of an identifier's path.
func Tag(id Identifier) string {
	if i := strings.IndexByte(id.Path, '.'); i >= 0 {
		return id.Path[:i]
	}
	return id.Path
}
