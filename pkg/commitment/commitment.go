// Copyright 2025 Certen Protocol
//
// Canonical JSON (RFC 8785 style) for receipt signing: the signer and
// any later verifier must hash identical bytes for the same document,
// regardless of which process serialized it or in what field order.

package commitment

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CanonicalizeJSON re-encodes raw JSON into a canonical byte form:
// object keys in lexical order, arrays in place, no insignificant
// whitespace. Numbers pass through as written rather than round-tripping
// through float64.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeCanonical writes doc to buf directly, recursing through objects
// with sorted keys and arrays in their given order. Scalars defer to
// encoding/json.
func encodeCanonical(buf *bytes.Buffer, doc interface{}) error {
	switch v := doc.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		scalar, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(scalar)
		return nil
	}
}

// MarshalCanonical renders v as canonical JSON.
func MarshalCanonical(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return CanonicalizeJSON(raw)
}

// HashCanonical returns the SHA-256 digest of v's canonical JSON form.
func HashCanonical(v interface{}) ([]byte, error) {
	canon, err := MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(canon)
	return h[:], nil
}

// HashCanonicalHex is HashCanonical with a hex-encoded result.
func HashCanonicalHex(v interface{}) (string, error) {
	h, err := HashCanonical(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(h), nil
}
