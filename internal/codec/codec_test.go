package codec

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type sample struct {
	B map[string]int
	A []byte
	N uint64
}

func TestMarshalDeterministic(t *testing.T) {
	v := sample{B: map[string]int{"z": 1, "a": 2, "m": 3}, A: []byte("x"), N: 7}
	first, err := Marshal(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		again := MustMarshal(v)
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic")
		}
	}
	var back sample
	if err := Unmarshal(first, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(v, back); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestHashChangesWithValue(t *testing.T) {
	a, _ := Hash(sample{N: 1})
	b, _ := Hash(sample{N: 2})
	if a == b {
		t.Fatalf("distinct values hashed equal")
	}
}
