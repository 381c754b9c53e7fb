package layout

import (
	"testing"

	"github.com/ehrlich-b/wireterm/internal/wire"
)

func leaf(tag Tag) *Node {
	return &Node{
		Tag:      tag,
		TermID:   wire.Generate(),
		ServerID: wire.Generate(),
		Profile:  "default",
		Scrollports: []Scrollport{
			{ID: wire.Generate(), Offset: 42, ModTimeRow: 7, ModTime: 99, ActiveJob: 1},
		},
	}
}

func TestEncodeDecodeRoundTripLeaf(t *testing.T) {
	n := leaf(TagLocal)
	buf, err := Encode(n)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Tag != n.Tag || got.TermID != n.TermID || got.ServerID != n.ServerID || got.Profile != n.Profile {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, n)
	}
	if len(got.Scrollports) != 1 || got.Scrollports[0] != n.Scrollports[0] {
		t.Fatalf("scrollport mismatch: %+v", got.Scrollports)
	}
}

func TestEncodeDecodeRoundTripSplitAtMaxDepth(t *testing.T) {
	// depth 1: HResize2 -> depth 2: VFixed2 -> depth 3: leaves (no deeper).
	tree := &Node{
		Tag:   TagHResize2,
		Sizes: []uint32{50, 50},
		Children: []*Node{
			{
				Tag:   TagVFixed2,
				Sizes: []uint32{30, 70},
				Children: []*Node{
					leaf(TagLocal),
					{Tag: TagEmpty},
				},
			},
			leaf(TagRemote),
		},
	}

	buf, err := Encode(tree)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Tag != TagHResize2 || len(got.Children) != 2 {
		t.Fatalf("unexpected root: %+v", got)
	}
	inner := got.Children[0]
	if inner.Tag != TagVFixed2 || len(inner.Children) != 2 {
		t.Fatalf("unexpected inner node: %+v", inner)
	}
}

func TestDecodeRejectsDepthFour(t *testing.T) {
	// Hand-construct a payload nesting HResize2 three levels deep (depth 4
	// for the innermost leaf), which must be rejected.
	deepLeaf := leaf(TagLocal)
	level3 := &Node{Tag: TagHResize2, Sizes: []uint32{1, 1}, Children: []*Node{deepLeaf, {Tag: TagEmpty}}}
	level2 := &Node{Tag: TagHResize2, Sizes: []uint32{1, 1}, Children: []*Node{level3, {Tag: TagEmpty}}}
	level1 := &Node{Tag: TagHResize2, Sizes: []uint32{1, 1}, Children: []*Node{level2, {Tag: TagEmpty}}}

	if _, err := Encode(level1); err == nil {
		t.Fatal("expected Encode to reject a tree deeper than MaxDepth")
	}

	// The same shape as raw bytes: three HResize2 nodes (tag, two u32
	// sizes), the innermost with two Empty children, then the two Empty
	// siblings on the way back up.
	payload := []byte{
		byte(TagHResize2), 1, 0, 0, 0, 1, 0, 0, 0,
		byte(TagHResize2), 1, 0, 0, 0, 1, 0, 0, 0,
		byte(TagHResize2), 1, 0, 0, 0, 1, 0, 0, 0,
		byte(TagEmpty), byte(TagEmpty), byte(TagEmpty), byte(TagEmpty),
	}
	buf := append([]byte{1, 0, 0, 0, byte(len(payload)), 0, 0, 0}, payload...)
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected Decode to reject a tree deeper than MaxDepth")
	}
}

func TestDecodeRejectsWrongVersion(t *testing.T) {
	buf, err := Encode(&Node{Tag: TagEmpty})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[0] = 99 // corrupt version
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected Decode to reject an unsupported version")
	}
}
