package ctf

import (
	"encoding/binary"
	"fmt"
)

const (
	headerV2Size = 40
	headerV3Size = 52
)

// Header is the container header following the preamble. Offsets are
// relative to the start of the (decompressed) body. Versions before
// Version3 have no CU name and no index sections; those fields are zero.
type Header struct {
	Preamble
	ParentLabel uint32
	ParentName  uint32
	CUName      uint32
	LabelOff    uint32
	ObjtOff     uint32
	FuncOff     uint32
	ObjtIdxOff  uint32
	FuncIdxOff  uint32
	VarOff      uint32
	TypeOff     uint32
	StrOff      uint32
	StrLen      uint32
}

// HeaderSize returns the header length for the given CTF version.
func HeaderSize(version uint8) int {
	if version >= Version3 {
		return headerV3Size
	}
	return headerV2Size
}

// Size returns the encoded length of h.
func (h *Header) Size() int {
	return HeaderSize(h.Version)
}

// Compressed reports whether the body following the header is compressed.
func (h *Header) Compressed() bool {
	return h.Flags&FlagCompress != 0
}

// BodySize returns the length of the uncompressed body.
func (h *Header) BodySize() uint64 {
	return uint64(h.StrOff) + uint64(h.StrLen)
}

// ParseHeader decodes and validates the container header at the start of b.
func ParseHeader(b []byte) (*Header, binary.ByteOrder, error) {
	p, order, ok := ParsePreamble(b)
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing CTF preamble", ErrNoCTFData)
	}
	if p.Version < Version1 || p.Version > Version {
		return nil, nil, fmt.Errorf("%w: version %d", ErrVersion, p.Version)
	}
	if len(b) < HeaderSize(p.Version) {
		return nil, nil, fmt.Errorf("%w: %d bytes is too short for a version %d header", ErrNoCTFData, len(b), p.Version)
	}

	h := &Header{Preamble: p}
	fields := []*uint32{&h.ParentLabel, &h.ParentName, &h.LabelOff, &h.ObjtOff, &h.FuncOff, &h.VarOff, &h.TypeOff, &h.StrOff, &h.StrLen}
	if p.Version >= Version3 {
		fields = []*uint32{&h.ParentLabel, &h.ParentName, &h.CUName, &h.LabelOff, &h.ObjtOff, &h.FuncOff, &h.ObjtIdxOff, &h.FuncIdxOff, &h.VarOff, &h.TypeOff, &h.StrOff, &h.StrLen}
	}
	off := PreambleSize
	for _, f := range fields {
		*f = order.Uint32(b[off:])
		off += 4
	}

	if err := h.validate(); err != nil {
		return nil, nil, err
	}
	return h, order, nil
}

func (h *Header) validate() error {
	// Sections are laid out in this order within the body.
	offs := []uint32{h.LabelOff, h.ObjtOff, h.FuncOff, h.VarOff, h.TypeOff, h.StrOff}
	if h.Version >= Version3 {
		offs = []uint32{h.LabelOff, h.ObjtOff, h.FuncOff, h.ObjtIdxOff, h.FuncIdxOff, h.VarOff, h.TypeOff, h.StrOff}
	}
	for i := 1; i < len(offs); i++ {
		if offs[i-1] > offs[i] {
			return fmt.Errorf("%w: section offsets out of order (%#x > %#x)", ErrFormat, offs[i-1], offs[i])
		}
	}

	aligned := []uint32{h.ObjtOff, h.FuncOff, h.VarOff, h.TypeOff}
	if h.Version >= Version3 {
		aligned = append(aligned, h.ObjtIdxOff, h.FuncIdxOff)
	}
	for _, off := range aligned {
		if off&3 != 0 {
			return fmt.Errorf("%w: section offset %#x is not 4-byte aligned", ErrFormat, off)
		}
	}
	return nil
}
