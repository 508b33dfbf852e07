package main

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/go-kit/log"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/polarsignals/ctf-open/internal/ctftest"
	"github.com/polarsignals/ctf-open/pkg/ctfopen"
	"github.com/polarsignals/ctf-open/pkg/elfwriter"
	"github.com/polarsignals/ctf-open/pkg/rawio"
)

func openReport(t *testing.T, path string) *report {
	t.Helper()
	a, err := ctfopen.Open(path, "")
	require.NoError(t, err)
	defer a.Close()

	r, err := newReport(path, a)
	require.NoError(t, err)
	return r
}

func TestEmbedAndReport(t *testing.T) {
	archive := ctftest.WriteFile(t, "types.ctfa", ctftest.Archive(
		ctftest.Member{Name: ".ctf", Data: ctftest.Container{CU: "shared"}.Bytes()},
		ctftest.Member{Name: "main.c", Data: ctftest.Container{Parent: ".ctf", CU: "main.c", Compress: true}.Bytes()},
	))

	tests := []struct {
		name string
		fhdr *elf.FileHeader
	}{
		{
			name: "elf64 little endian",
			fhdr: &elf.FileHeader{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, ByteOrder: binary.LittleEndian, Type: elf.ET_REL},
		},
		{
			name: "elf32 big endian",
			fhdr: &elf.FileHeader{Class: elf.ELFCLASS32, Data: elf.ELFDATA2MSB, ByteOrder: binary.BigEndian, Type: elf.ET_REL},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := rawio.Outstanding()

			data, err := readCTF(archive)
			require.NoError(t, err)

			out := filepath.Join(t.TempDir(), "types.o")
			require.NoError(t, writeObject(log.NewNopLogger(), out, tt.fhdr, data, []string{"main", "init"}))

			r := openReport(t, out)
			require.Equal(t, "archive", r.Kind)
			require.Equal(t, "elf", r.Source)
			require.Contains(t, r.Sections, ".ctf")
			require.Contains(t, r.Sections, ".symtab")
			require.NotNil(t, r.Symtab)
			require.NotNil(t, r.Strtab)
			require.Equal(t, uint64(len("\x00main\x00init\x00")), r.Strtab.Size)

			require.Len(t, r.Members, 2)
			require.Equal(t, ".ctf", r.Members[0].Name)
			require.Equal(t, "shared", r.Members[0].CU)
			require.False(t, r.Members[0].Compressed)
			require.Equal(t, "main.c", r.Members[1].Name)
			require.Equal(t, ".ctf", r.Members[1].Parent)
			require.True(t, r.Members[1].Compressed)
			for _, m := range r.Members {
				require.Equal(t, 3, m.Symbols)
				require.Len(t, m.BLAKE3, 64)
			}
			require.Equal(t, before, rawio.Outstanding())
		})
	}
}

func TestReadCTFRejectsObjects(t *testing.T) {
	path := ctftest.ELF(t, nil)
	_, err := readCTF(path)
	require.Error(t, err)

	obj := ctftest.ELF(t, []*elfwriter.Section{ctftest.CTFSection(ctftest.Container{}.Bytes())})
	_, err = readCTF(obj)
	require.ErrorContains(t, err, "object file already")
}

func TestWriteReport(t *testing.T) {
	r := openReport(t, ctftest.WriteFile(t, "types.ctf", ctftest.Container{Parent: "vmlinux", CU: "fork.c"}.Bytes()))
	require.Equal(t, "container", r.Kind)
	require.Equal(t, "raw", r.Source)
	require.Nil(t, r.Symtab)
	require.Empty(t, r.Sections)
	require.Equal(t, "v3", r.Members[0].VersionName)

	var buf bytes.Buffer
	require.NoError(t, writeReport(&buf, r, "json"))
	var fromJSON report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fromJSON))
	require.Equal(t, *r, fromJSON)

	buf.Reset()
	require.NoError(t, writeReport(&buf, r, "yaml"))
	var fromYAML report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &fromYAML))
	require.Equal(t, *r, fromYAML)

	buf.Reset()
	require.NoError(t, writeReport(&buf, r, "logfmt"))
	require.Contains(t, buf.String(), "kind=container")
	require.Contains(t, buf.String(), "member=.ctf")
	require.Contains(t, buf.String(), "version=v3")
	require.Contains(t, buf.String(), "cu=fork.c")

	require.Error(t, writeReport(&buf, r, "xml"))
}
