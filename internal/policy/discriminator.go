package policy

import (
	"bytes"
	"fmt"
)

// MatchMode controls how a discriminator is compared against instruction data.
type MatchMode int

const (
	// MatchExact requires the data to equal the discriminator byte-for-byte,
	// with no trailing payload.
	MatchExact MatchMode = iota
	// MatchPrefix requires the data to begin with the discriminator; trailing
	// bytes are payload and ignored.
	MatchPrefix
)

// String returns the config-file spelling of the mode.
func (m MatchMode) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Discriminator identifies one instruction variant by its leading bytes.
// Lengths are heterogeneous: 1-byte opcodes, 4-byte bincode tags, 8-byte
// anchor discriminators, or arbitrary sequences all coexist in one policy.
// An empty Bytes in prefix mode matches any data.
type Discriminator struct {
	Bytes []byte
	Mode  MatchMode
}

// Exact builds an exact-mode discriminator.
func Exact(b []byte) Discriminator {
	return Discriminator{Bytes: b, Mode: MatchExact}
}

// Prefix builds a prefix-mode discriminator.
func Prefix(b []byte) Discriminator {
	return Discriminator{Bytes: b, Mode: MatchPrefix}
}

// Matches reports whether data structurally matches the discriminator.
func (d Discriminator) Matches(data []byte) bool {
	switch d.Mode {
	case MatchExact:
		return bytes.Equal(data, d.Bytes)
	case MatchPrefix:
		return len(data) >= len(d.Bytes) && bytes.Equal(data[:len(d.Bytes)], d.Bytes)
	default:
		// Unknown mode is fail-closed.
		return false
	}
}

// previewWindow is how many leading bytes of instruction data appear in
// "unknown instruction" denial reasons.
const previewWindow = 4

// HexPreview renders up to previewWindow leading bytes of data as 0x-hex,
// with a trailing ".." marker when data is longer than the window. Operators
// get enough to diagnose an unexpected instruction without the full payload.
func HexPreview(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	if len(data) <= previewWindow {
		return fmt.Sprintf("0x%x", data)
	}
	return fmt.Sprintf("0x%x..", data[:previewWindow])
}
