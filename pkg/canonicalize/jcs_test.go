package canonicalize

import (
	"strings"
	"testing"
)

func TestJCSKeyOrdering(t *testing.T) {
	a, err := JCS(map[string]any{"b": 2, "a": 1, "c": 3})
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != `{"a":1,"b":2,"c":3}` {
		t.Fatalf("unexpected canonical form: %s", a)
	}
}

func TestJCSDeterministic(t *testing.T) {
	v := map[string]any{"nested": map[string]any{"z": true, "a": "x"}, "n": 1.5}
	first, err := JCS(v)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, err := JCS(v)
		if err != nil {
			t.Fatal(err)
		}
		if string(first) != string(again) {
			t.Fatalf("canonical form not stable: %s vs %s", first, again)
		}
	}
}

func TestHashPrefixed(t *testing.T) {
	h, err := Hash(map[string]any{"k": "v"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(h, HashPrefix) {
		t.Fatalf("digest missing prefix: %s", h)
	}
	if len(h) != len(HashPrefix)+64 {
		t.Fatalf("unexpected digest length: %d", len(h))
	}
}

func TestHashSensitivity(t *testing.T) {
	h1, _ := Hash(map[string]any{"k": "v"})
	h2, _ := Hash(map[string]any{"k": "w"})
	if h1 == h2 {
		t.Fatal("distinct values must hash differently")
	}
}
