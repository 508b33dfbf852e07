// Package ctf holds the on-disk constants of the Compact Type Format and
// the minimal decoding needed to validate and carry CTF containers and
// archives: preamble and header parsing, body decompression, member lookup.
package ctf

import (
	"encoding/binary"
	"fmt"
)

const (
	// Magic is the 16-bit value opening every CTF container.
	Magic = 0xdff2
	// ArchiveMagic is the 64-bit little-endian value opening a CTF archive.
	ArchiveMagic = 0x8b47f2a4d7623eeb

	Version1          = 1
	Version1Upgraded3 = 2
	Version2          = 3
	Version3          = 4
	// Version is the newest version this package reads.
	Version = Version3

	// FlagCompress marks a container whose body is zlib compressed.
	FlagCompress = 0x1

	// SectionName is the object file section holding CTF, and the name of
	// the default member of an archive.
	SectionName = ".ctf"

	PreambleSize     = 4
	archiveMagicSize = 8
)

// Section describes a named region of bytes: a CTF payload, a symbol
// table or a string table.
type Section struct {
	Name    string
	EntSize uint64
	Size    uint64
	Data    []byte
}

// Preamble is the fixed prefix of every CTF container.
type Preamble struct {
	Magic   uint16
	Version uint8
	Flags   uint8
}

// ParsePreamble decodes the preamble at the start of b. The byte order is
// inferred from the magic number. ok is false when b is too short or the
// magic does not match in either order.
func ParsePreamble(b []byte) (p Preamble, order binary.ByteOrder, ok bool) {
	if len(b) < PreambleSize {
		return Preamble{}, nil, false
	}
	switch {
	case binary.LittleEndian.Uint16(b) == Magic:
		order = binary.LittleEndian
	case binary.BigEndian.Uint16(b) == Magic:
		order = binary.BigEndian
	default:
		return Preamble{}, nil, false
	}
	return Preamble{
		Magic:   Magic,
		Version: b[2],
		Flags:   b[3],
	}, order, true
}

// IsArchive reports whether b starts with the archive magic number.
// It always reports false if len(b) < 8.
func IsArchive(b []byte) bool {
	if len(b) < archiveMagicSize {
		return false
	}
	return binary.LittleEndian.Uint64(b) == ArchiveMagic
}

// VersionName returns the name of a format version as CTF tools print it.
func VersionName(v uint8) string {
	switch v {
	case Version1:
		return "v1"
	case Version1Upgraded3:
		return "v1 upgraded to v3"
	case Version2:
		return "v2"
	case Version3:
		return "v3"
	default:
		return fmt.Sprintf("unknown(%d)", v)
	}
}
