// Package ctftest builds CTF containers, CTF archives and ELF objects
// carrying them, for use in tests.
package ctftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"

	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/elfwriter"
)

// Container describes a CTF container to encode. The zero value is an
// uncompressed little-endian container of the current version.
type Container struct {
	Version   uint8
	Compress  bool
	BigEndian bool
	Parent    string
	CU        string
	// Types is placed in the type section, before the string section.
	Types []byte
}

// Bytes encodes the container.
func (c Container) Bytes() []byte {
	version := c.Version
	if version == 0 {
		version = ctf.Version
	}
	var order binary.ByteOrder = binary.LittleEndian
	if c.BigEndian {
		order = binary.BigEndian
	}

	types := append([]byte(nil), c.Types...)
	for len(types)%4 != 0 {
		types = append(types, 0)
	}
	strtab := []byte{0}
	var parent, cu uint32
	if c.Parent != "" {
		parent = uint32(len(strtab))
		strtab = append(append(strtab, c.Parent...), 0)
	}
	if c.CU != "" {
		cu = uint32(len(strtab))
		strtab = append(append(strtab, c.CU...), 0)
	}
	body := append(types, strtab...)

	var flags uint8
	if c.Compress {
		flags |= ctf.FlagCompress
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		zw.Write(body)
		zw.Close()
		body = z.Bytes()
	}

	hdr := make([]byte, ctf.HeaderSize(version))
	order.PutUint16(hdr, ctf.Magic)
	hdr[2] = version
	hdr[3] = flags
	stroff, strlen := uint32(len(types)), uint32(len(strtab))
	// parlabel, parname, [cuname], lbloff, objtoff, funcoff, [objtidxoff,
	// funcidxoff], varoff, typeoff, stroff, strlen.
	fields := []uint32{0, parent, 0, 0, 0, 0, 0, stroff, strlen}
	if version >= ctf.Version3 {
		fields = []uint32{0, parent, cu, 0, 0, 0, 0, 0, 0, 0, stroff, strlen}
	}
	for i, f := range fields {
		order.PutUint32(hdr[ctf.PreambleSize+4*i:], f)
	}
	return append(hdr, body...)
}

// Member is a named archive member.
type Member struct {
	Name string
	Data []byte
}

// Archive encodes the members as a CTF archive.
func Archive(members ...Member) []byte {
	le := binary.LittleEndian
	var names, ctfs []byte
	dir := make([]byte, 16*len(members))
	for i, m := range members {
		le.PutUint64(dir[16*i:], uint64(len(names)))
		le.PutUint64(dir[16*i+8:], uint64(len(ctfs)))
		names = append(append(names, m.Name...), 0)

		var size [8]byte
		le.PutUint64(size[:], uint64(len(m.Data)))
		ctfs = append(append(ctfs, size[:]...), m.Data...)
		for len(ctfs)%8 != 0 {
			ctfs = append(ctfs, 0)
		}
	}

	hdr := make([]byte, 40)
	ctfsOff := uint64(len(hdr) + len(dir))
	le.PutUint64(hdr, ctf.ArchiveMagic)
	le.PutUint64(hdr[8:], 64)
	le.PutUint64(hdr[16:], uint64(len(members)))
	le.PutUint64(hdr[24:], ctfsOff+uint64(len(ctfs)))
	le.PutUint64(hdr[32:], ctfsOff)

	out := append(hdr, dir...)
	out = append(out, ctfs...)
	return append(out, names...)
}

// WriteFile writes data to a new file in a test temporary directory and
// returns its path.
func WriteFile(t testing.TB, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

// ELF writes a little-endian x86-64 relocatable object holding sections,
// and a symbol table when symbols are given, and returns its path.
func ELF(t testing.TB, sections []*elfwriter.Section, symbols ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "object.o")
	f, err := os.Create(path)
	require.NoError(t, err)

	w, err := elfwriter.New(f, &elf.FileHeader{
		Class:     elf.ELFCLASS64,
		Data:      elf.ELFDATA2LSB,
		ByteOrder: binary.LittleEndian,
		Type:      elf.ET_REL,
		Machine:   elf.EM_X86_64,
	}, elfwriter.WithSymbols(symbols...))
	require.NoError(t, err)
	w.Sections = append(w.Sections, sections...)
	require.NoError(t, w.Write())
	require.NoError(t, w.Close())
	return path
}

// CTFSection returns a .ctf section holding data.
func CTFSection(data []byte) *elfwriter.Section {
	return &elfwriter.Section{
		Name:      ctf.SectionName,
		Type:      elf.SHT_PROGBITS,
		Addralign: 8,
		Data:      data,
	}
}
