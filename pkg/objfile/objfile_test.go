package objfile

import (
	"bytes"
	"debug/elf"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/ctf-open/internal/ctftest"
	"github.com/polarsignals/ctf-open/pkg/elfwriter"
)

type readerAt struct {
	*bytes.Reader
	closed int
}

func (r *readerAt) Close() error {
	r.closed++
	return nil
}

func openTestFile(t *testing.T, path, target string) *File {
	t.Helper()
	r, err := os.Open(path)
	require.NoError(t, err)
	f, err := NewFile(r, path, target)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestNewFile(t *testing.T) {
	payload := []byte("ctf payload")
	path := ctftest.ELF(t, []*elfwriter.Section{ctftest.CTFSection(payload)}, "main")

	for _, target := range []string{"", "default", "elf64-x86-64", "ELF64-little"} {
		t.Run("target "+target, func(t *testing.T) {
			f := openTestFile(t, path, target)
			require.Equal(t, FormatELF, f.Format())
			require.Equal(t, path, f.Name())

			s := f.Section(".ctf")
			require.NotNil(t, s)
			require.Equal(t, uint64(len(payload)), s.Size)

			p := make([]byte, s.Size)
			require.NoError(t, f.ReadSection(s, p))
			require.Equal(t, payload, p)

			require.Error(t, f.ReadSection(s, make([]byte, 2)))
			require.Nil(t, f.Section(".missing"))
		})
	}
}

func TestNewFileErrors(t *testing.T) {
	path := ctftest.ELF(t, nil)
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	tests := []struct {
		name   string
		data   []byte
		target string
		err    error
	}{
		{name: "zeroes", data: make([]byte, 16), err: ErrUnknownFormat},
		{name: "empty", data: nil, err: ErrUnknownFormat},
		{name: "bogus target", data: data, target: "a.out-sunos-big", err: ErrUnknownTarget},
		{name: "wrong target", data: data, target: "mach-o-x86-64", err: ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &readerAt{Reader: bytes.NewReader(tt.data)}
			_, err := NewFile(r, "", tt.target)
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, 1, r.closed)
		})
	}
}

func TestNewFileAmbiguous(t *testing.T) {
	orig := openers
	t.Cleanup(func() { openers = orig })
	openers = []opener{
		{FormatELF, openELF},
		{"elf-again", openELF},
	}

	data, err := os.ReadFile(ctftest.ELF(t, nil))
	require.NoError(t, err)

	r := &readerAt{Reader: bytes.NewReader(data)}
	_, err = NewFile(r, "a.o", "")
	require.ErrorIs(t, err, ErrAmbiguous)
	require.Equal(t, 1, r.closed)
}

func TestSymbolTables(t *testing.T) {
	t.Run("linked", func(t *testing.T) {
		f := openTestFile(t, ctftest.ELF(t, nil, "a", "b"), "")
		sym, str, ok := f.SymbolTables()
		require.True(t, ok)
		require.Equal(t, ".symtab", sym.Name)
		require.Equal(t, uint64(elf.Sym64Size), sym.Entsize)
		require.Equal(t, uint64(3*elf.Sym64Size), sym.Size)
		require.Equal(t, ".strtab", str.Name)
		require.Equal(t, uint64(len("\x00a\x00b\x00")), str.Size)
	})

	t.Run("none", func(t *testing.T) {
		f := openTestFile(t, ctftest.ELF(t, nil), "")
		_, _, ok := f.SymbolTables()
		require.False(t, ok)
	})

	tests := []struct {
		name    string
		link    uint32
		entsize uint64
	}{
		{name: "link out of range", link: 99, entsize: elf.Sym64Size},
		{name: "link undefined", link: 0, entsize: elf.Sym64Size},
		{name: "no entry size", link: 1, entsize: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := openTestFile(t, ctftest.ELF(t, []*elfwriter.Section{{
				Name:    ".symtab",
				Type:    elf.SHT_SYMTAB,
				Link:    tt.link,
				Entsize: tt.entsize,
				Data:    make([]byte, elf.Sym64Size),
			}}), "")
			_, _, ok := f.SymbolTables()
			require.False(t, ok)
		})
	}
}

func TestClose(t *testing.T) {
	data, err := os.ReadFile(ctftest.ELF(t, nil))
	require.NoError(t, err)

	r := &readerAt{Reader: bytes.NewReader(data)}
	f, err := NewFile(r, "", "")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	require.Equal(t, 1, r.closed)
}
