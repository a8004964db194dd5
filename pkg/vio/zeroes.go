// Package vio provides the zero-filled io.Reader csfsutil streams fresh
// disk images and checksum tables from.
package vio

import "io"

type zeroesReader struct {
}

func (rdr *zeroesReader) Read(p []byte) (n int, err error) {

	if len(p) == 0 {
		return
	}
	p[0] = 0
	for bp := 1; bp < len(p); bp *= 2 {
		copy(p[bp:], p[:bp])
	}

	return len(p), nil
}

// Zeroes is an inexhaustible reader of zero bytes.
var Zeroes = io.Reader(&zeroesReader{})
