package id

import (
	"testing"
)

func TestNewIDFormat(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("len(id) = %d, want 26", len(id))
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '2' || r > '7') {
			t.Fatalf("unexpected character %q in id", r)
		}
	}
}

func TestNewIDRoundTripsThroughDecode(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	u, err := Decode(id)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if u.Version() != 4 {
		t.Fatalf("version = %d, want 4", u.Version())
	}
	if u.Variant().String() != "RFC4122" {
		t.Fatalf("variant = %s, want RFC4122", u.Variant())
	}
}

func TestNewIDIsUnique(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		id, err := NewID()
		if err != nil {
			t.Fatalf("new id: %v", err)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode("!!"); err == nil {
		t.Fatal("expected decode error")
	}
	if _, err := Decode("aaaa"); err == nil {
		t.Fatal("expected length error")
	}
}
