// Copyright 2025 Certen Protocol
package changefeed

import "testing"

func TestCursorToken_RoundTrip(t *testing.T) {
	for _, n := range []uint64{0, 1, 42, 1 << 40} {
		c := Cursor{LastBlockNumber: n}
		parsed, err := parseCursor(c.token())
		if err != nil {
			t.Fatalf("parse %q: %v", c.token(), err)
		}
		if parsed.LastBlockNumber != n {
			t.Errorf("round trip %d: got %d", n, parsed.LastBlockNumber)
		}
	}
}

func TestParseCursor_Malformed(t *testing.T) {
	for _, token := range []string{"", "abc", "-"} {
		if _, err := parseCursor(token); err == nil {
			t.Errorf("token %q: expected error", token)
		}
	}
}
