// Copyright 2025 Certen Protocol
package database

import "fmt"

// ByteaArray renders a [][]byte as a Postgres bytea[] array literal,
// usable as a bound parameter against `= ANY($1::bytea[])`.
func ByteaArray(values [][]byte) string {
	out := "{"
	for i, v := range values {
		if i > 0 {
			out += ","
		}
		out += `"\\x` + fmt.Sprintf("%x", v) + `"`
	}
	return out + "}"
}
