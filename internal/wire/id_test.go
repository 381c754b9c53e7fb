package wire

import "testing"

func TestIDParseFormatRoundTrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := Generate()
		s := id.Format()
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got != id {
			t.Fatalf("round trip mismatch: %v != %v", got, id)
		}
	}
}

func TestNilIsNil(t *testing.T) {
	if !Nil.IsNil() {
		t.Fatal("Nil.IsNil() should be true")
	}
	var zero ID
	if !zero.IsNil() {
		t.Fatal("zero value ID should be nil")
	}
}

func TestGenerateNeverNil(t *testing.T) {
	for i := 0; i < 10000; i++ {
		if Generate().IsNil() {
			t.Fatal("Generate() produced nil id")
		}
	}
}

func TestShortFormat(t *testing.T) {
	id := Generate()
	short := id.ShortFormat()
	full := id.Format()
	if len(short) != 8 {
		t.Fatalf("expected 8-char short format, got %q", short)
	}
	if full[:8] != short {
		t.Fatalf("short format %q not a prefix of %q", short, full)
	}
}

func TestCombineDeterministic(t *testing.T) {
	id := Generate()
	a := Combine(id, 123)
	b := Combine(id, 123)
	if a != b {
		t.Fatal("Combine should be deterministic")
	}
	c := Combine(id, 124)
	if a == c {
		t.Fatal("Combine should vary with its u32 argument")
	}
}

func TestHashEqualForEqualIDs(t *testing.T) {
	id := Generate()
	other := id
	if id.Hash() != other.Hash() {
		t.Fatal("equal ids must hash equally")
	}
}

func TestLessIsStrictOrder(t *testing.T) {
	a := ID{0, 0, 0}
	b := ID{0, 0, 1}
	if !a.Less(b) {
		t.Fatal("a should be less than b")
	}
	if a.Less(a) {
		t.Fatal("Less must be irreflexive")
	}
	if b.Less(a) && a.Less(b) {
		t.Fatal("Less must be antisymmetric")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	if _, err := Parse("not-an-id"); err == nil {
		t.Fatal("expected error for malformed id text")
	}
}
