package canonical

import (
	"testing"
)

func TestCanonicalize_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestCanonicalize_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Canonicalize(input)
	if err != nil {
		t.Fatalf("Canonicalize failed: %v", err)
	}

	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestHash_Stability(t *testing.T) {
	// Two inputs that are semantically identical but constructed differently
	v1 := map[string]interface{}{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatal(err)
	}

	h2, err := Hash(v2)
	if err != nil {
		t.Fatal(err)
	}

	if h1 != h2 {
		t.Errorf("Hash mismatch for semantically identical inputs: %s != %s", h1, h2)
	}
}

func TestHash_DiffersOnContent(t *testing.T) {
	h1, err := Hash(map[string]int{"amount": 100})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(map[string]int{"amount": 101})
	if err != nil {
		t.Fatal(err)
	}
	if h1 == h2 {
		t.Error("distinct payloads must not collide")
	}
}

func TestString_IsReachable(t *testing.T) {
	s, err := String(map[string]int{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	if s != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical string: %s", s)
	}
}
