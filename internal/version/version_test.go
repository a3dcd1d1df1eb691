package version

import (
	"testing"

	"taigachat/server/internal/clock"
)

func TestEncodeIntSmallValuesAreDigits(t *testing.T) {
	for i := int64(0); i < 10; i++ {
		if got := EncodeInt(i); got != string(rune('0'+i)) {
			t.Fatalf("EncodeInt(%d) = %q", i, got)
		}
	}
}

func TestIntRoundTrip(t *testing.T) {
	values := []int64{0, 1, 9, 10, 63, 64, 4095, 1700000000000}
	for _, v := range values {
		encoded := EncodeInt(v)
		decoded, ok := DecodeInt(encoded)
		if !ok || decoded != v {
			t.Fatalf("DecodeInt(EncodeInt(%d)) = %d, %v", v, decoded, ok)
		}
	}
}

func TestDecodeIntRejectsSeparators(t *testing.T) {
	for _, s := range []string{"", "1.2", "a~b", "x y"} {
		if _, ok := DecodeInt(s); ok {
			t.Fatalf("DecodeInt(%q) ok, want failure", s)
		}
	}
}

func TestDecodeIntRejectsOverflow(t *testing.T) {
	// Largest int64 is eleven radix64 digits; anything longer, or an
	// eleven-digit value past the range, must fail rather than wrap.
	max := int64(1<<63 - 1)
	if got, ok := DecodeInt(EncodeInt(max)); !ok || got != max {
		t.Fatalf("DecodeInt(EncodeInt(max)) = %d, %v", got, ok)
	}
	for _, s := range []string{"____________", "8000000000A", "zzzzzzzzzzzz"} {
		if got, ok := DecodeInt(s); ok {
			t.Fatalf("DecodeInt(%q) = %d, want overflow rejection", s, got)
		}
	}
	if got := NthSegment(Identifier{Path: "chunk.____________.0"}, 0); got != -1 {
		t.Fatalf("NthSegment(overflowing segment) = %d, want -1", got)
	}
}

func TestIdentifierRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		id   Identifier
	}{
		{name: "no sub-keys", id: Identifier{Path: "rooms", Timestamp: clock.Timestamp{LastModified: 5, Faddishness: 0}}},
		{name: "one sub-key", id: Identifier{Path: Path("users", 42), Timestamp: clock.Timestamp{LastModified: 1700000000000, Faddishness: 3}}},
		{name: "many sub-keys", id: Identifier{Path: Path("chunk", 1, 4), Timestamp: clock.Timestamp{LastModified: 3, Faddishness: 2}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decoded := Decode(Encode(tc.id))
			if len(decoded) != 1 || decoded[0] != tc.id {
				t.Fatalf("Decode(Encode(%+v)) = %+v", tc.id, decoded)
			}
		})
	}
}

func TestDecodeReceivedVersionsBlob(t *testing.T) {
	ids := Decode("5.0.rooms~3.2.chunk.1.4")
	if len(ids) != 2 {
		t.Fatalf("Decode() returned %d identifiers, want 2", len(ids))
	}
	if ids[0].Path != "rooms" || ids[0].Timestamp != (clock.Timestamp{LastModified: 5, Faddishness: 0}) {
		t.Fatalf("first identifier = %+v", ids[0])
	}
	if ids[1].Path != "chunk.1.4" || ids[1].Timestamp != (clock.Timestamp{LastModified: 3, Faddishness: 2}) {
		t.Fatalf("second identifier = %+v", ids[1])
	}
	if got := NthSegment(ids[1], 0); got != 1 {
		t.Fatalf("NthSegment(chunk.1.4, 0) = %d, want 1", got)
	}
	if got := NthSegment(ids[1], 1); got != 4 {
		t.Fatalf("NthSegment(chunk.1.4, 1) = %d, want 4", got)
	}
	if got := NthSegment(ids[1], 2); got != -1 {
		t.Fatalf("NthSegment(chunk.1.4, 2) = %d, want -1", got)
	}
	if got := NthSegment(ids[0], 0); got != -1 {
		t.Fatalf("NthSegment(rooms, 0) = %d, want -1", got)
	}
}

func TestDecodeStopsAtMalformedFragment(t *testing.T) {
	cases := []struct {
		name string
		blob string
		want int
	}{
		{name: "trailing garbage", blob: "5.0.rooms~not-a-version", want: 1},
		{name: "missing path", blob: "5.0.rooms~3.2.", want: 1},
		{name: "bad leading digit", blob: "!.0.rooms", want: 0},
		{name: "empty blob", blob: "", want: 0},
		{name: "garbage first stops everything", blob: "junk~5.0.rooms", want: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Decode(tc.blob); len(got) != tc.want {
				t.Fatalf("Decode(%q) = %d identifiers, want %d", tc.blob, len(got), tc.want)
			}
		})
	}
}

func TestTag(t *testing.T) {
	if got := Tag(Identifier{Path: "chunk.1.4"}); got != "chunk" {
		t.Fatalf("Tag(chunk.1.4) = %q, want chunk", got)
	}
	if got := Tag(Identifier{Path: "rooms"}); got != "rooms" {
		t.Fatalf("Tag(rooms) = %q, want rooms", got)
	}
}
