// Copyright 2025 Certen Protocol
//
// Canonical JSON Tests

package commitment

import (
	"bytes"
	"testing"
)

func TestCanonicalizeJSON_SortsKeys(t *testing.T) {
	a := []byte(`{"zebra":1,"apple":{"y":2,"x":1},"list":[3,1,2]}`)
	b := []byte(`{"list":[3,1,2],"apple":{"x":1,"y":2},"zebra":1}`)

	ca, err := CanonicalizeJSON(a)
	if err != nil {
		t.Fatalf("canonicalize a: %v", err)
	}
	cb, err := CanonicalizeJSON(b)
	if err != nil {
		t.Fatalf("canonicalize b: %v", err)
	}
	if !bytes.Equal(ca, cb) {
		t.Errorf("canonical forms differ:\n%s\n%s", ca, cb)
	}
}

func TestCanonicalizeJSON_PreservesArrayOrder(t *testing.T) {
	a, err := CanonicalizeJSON([]byte(`[1,2,3]`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	b, err := CanonicalizeJSON([]byte(`[3,2,1]`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("array order was not preserved")
	}
}

func TestCanonicalizeJSON_RejectsInvalid(t *testing.T) {
	if _, err := CanonicalizeJSON([]byte("{broken")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestHashCanonical_StableAcrossFieldOrder(t *testing.T) {
	type doc struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	h1, err := HashCanonical(doc{A: "1", B: "2"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := HashCanonical(map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Error("struct and map forms hash differently")
	}
}
