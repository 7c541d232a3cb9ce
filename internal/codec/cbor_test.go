package codec

import (
	"bytes"
	"testing"
	"time"
)

type record struct {
	Token     string    `cbor:"token"`
	CreatedAt time.Time `cbor:"created_at"`
}

func TestRoundTripPreservesTime(t *testing.T) {
	in := record{Token: "sess-9", CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 890, time.UTC)}

	data, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out record
	if err := Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out.Token != in.Token || !out.CreatedAt.Equal(in.CreatedAt) {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	v := map[string]any{"b": 1, "a": "x", "c": []any{1, 2}}
	first, err := Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	for range 10 {
		again, err := Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var out record
	if err := Unmarshal([]byte{0xff, 0x00, 0x13}, &out); err == nil {
		t.Error("Unmarshal(garbage) error = nil, want error")
	}
}
