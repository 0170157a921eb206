package net

import (
	"bytes"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// checksumLen is the number of BLAKE2b-256 bytes kept in front of a payload.
const checksumLen = 4

// ErrCorrupt marks a datagram whose checksum does not match its payload.
var ErrCorrupt = errors.New("datagram checksum mismatch")

// Seal appends one datagram to dst.
// Wire format: [4 bytes: BLAKE2b-256(payload) prefix][payload].
// Integrity only: anyone can compute the checksum.
func Seal(dst, payload []byte) []byte {
	sum := blake2b.Sum256(payload)
	dst = append(dst, sum[:checksumLen]...)
	return append(dst, payload...)
}

// Open verifies a datagram and returns its payload, aliasing datagram.
func Open(datagram []byte) ([]byte, error) {
	if len(datagram) <= checksumLen {
		return nil, fmt.Errorf("datagram too short: %d bytes", len(datagram))
	}
	payload := datagram[checksumLen:]
	sum := blake2b.Sum256(payload)
	if !bytes.Equal(sum[:checksumLen], datagram[:checksumLen]) {
		return nil, ErrCorrupt
	}
	return payload, nil
}
