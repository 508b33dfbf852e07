package ctf_test

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/polarsignals/ctf-open/internal/ctftest"
	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/rawio"
)

func TestParsePreamble(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		ok    bool
		order binary.ByteOrder
	}{
		{name: "empty", in: nil},
		{name: "short", in: []byte{0xf2, 0xdf, 4}},
		{name: "zeroes", in: make([]byte, 16)},
		{name: "little endian", in: []byte{0xf2, 0xdf, 4, 0}, ok: true, order: binary.LittleEndian},
		{name: "big endian", in: []byte{0xdf, 0xf2, 4, 1}, ok: true, order: binary.BigEndian},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, order, ok := ctf.ParsePreamble(tt.in)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.order, order)
			if ok {
				require.Equal(t, uint16(ctf.Magic), p.Magic)
				require.Equal(t, tt.in[2], p.Version)
				require.Equal(t, tt.in[3], p.Flags)
			}
		})
	}
}

func TestIsArchive(t *testing.T) {
	magic := make([]byte, 8)
	binary.LittleEndian.PutUint64(magic, ctf.ArchiveMagic)

	require.True(t, ctf.IsArchive(magic))
	for i := 0; i < 8; i++ {
		require.False(t, ctf.IsArchive(magic[:i]))
	}
	require.False(t, ctf.IsArchive(make([]byte, 16)))
}

func TestParseHeader(t *testing.T) {
	valid := ctftest.Container{CU: "main.c"}.Bytes()

	misordered := append([]byte(nil), valid...)
	// objtoff past funcoff.
	binary.LittleEndian.PutUint32(misordered[20:], 8)

	misaligned := ctftest.Container{Version: ctf.Version2}.Bytes()
	// varoff, typeoff and stroff moved to 2.
	for _, off := range []int{24, 28, 32} {
		binary.LittleEndian.PutUint32(misaligned[off:], 2)
	}

	future := append([]byte(nil), valid...)
	future[2] = ctf.Version + 1

	tests := []struct {
		name string
		in   []byte
		err  error
	}{
		{name: "v3", in: valid},
		{name: "v2", in: ctftest.Container{Version: ctf.Version2}.Bytes()},
		{name: "v1 upgraded", in: ctftest.Container{Version: ctf.Version1Upgraded3}.Bytes()},
		{name: "big endian", in: ctftest.Container{BigEndian: true}.Bytes()},
		{name: "no magic", in: make([]byte, 64), err: ctf.ErrNoCTFData},
		{name: "truncated", in: valid[:20], err: ctf.ErrNoCTFData},
		{name: "version zero", in: []byte{0xf2, 0xdf, 0, 0}, err: ctf.ErrVersion},
		{name: "future version", in: future, err: ctf.ErrVersion},
		{name: "offsets out of order", in: misordered, err: ctf.ErrFormat},
		{name: "misaligned", in: misaligned, err: ctf.ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, err := ctf.ParseHeader(tt.in)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				require.Nil(t, h)
				return
			}
			require.NoError(t, err)
			require.Equal(t, len(tt.in), h.Size()+int(h.BodySize()))
		})
	}
}

func TestVersionName(t *testing.T) {
	require.Equal(t, "v1", ctf.VersionName(ctf.Version1))
	require.Equal(t, "v1 upgraded to v3", ctf.VersionName(ctf.Version1Upgraded3))
	require.Equal(t, "v2", ctf.VersionName(ctf.Version2))
	require.Equal(t, "v3", ctf.VersionName(ctf.Version))
	require.Equal(t, "unknown(9)", ctf.VersionName(9))
}

func TestNewContainer(t *testing.T) {
	tests := []struct {
		name string
		c    ctftest.Container
	}{
		{name: "plain", c: ctftest.Container{Parent: "vmlinux", CU: "kernel/fork.c", Types: []byte{1, 2, 3, 4, 5}}},
		{name: "compressed", c: ctftest.Container{Compress: true, Parent: "vmlinux", CU: "kernel/fork.c", Types: make([]byte, 3*rawio.PageSize())}},
		{name: "big endian", c: ctftest.Container{BigEndian: true, Parent: "libc.so.6", CU: "malloc.c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := rawio.Outstanding()
			data := tt.c.Bytes()

			c, err := ctf.NewContainer(&ctf.Section{Name: ctf.SectionName, EntSize: 1, Size: uint64(len(data)), Data: data}, nil, nil)
			require.NoError(t, err)
			require.Equal(t, tt.c.Compress, c.Header().Compressed())
			require.Equal(t, tt.c.Parent, c.ParentName())
			require.Equal(t, tt.c.CU, c.CUName())
			require.Equal(t, uint64(len(c.Body())), c.Header().BodySize())
			require.Zero(t, c.NumSymbols())

			require.NoError(t, c.Close())
			require.Equal(t, before, rawio.Outstanding())
		})
	}
}

func TestNewContainerSymbols(t *testing.T) {
	data := ctftest.Container{}.Bytes()
	sect := &ctf.Section{Name: ctf.SectionName, EntSize: 1, Size: uint64(len(data)), Data: data}
	sym := &ctf.Section{Name: ".symtab", EntSize: 24, Size: 72, Data: make([]byte, 72)}
	str := &ctf.Section{Name: ".strtab", EntSize: 1, Size: 6, Data: []byte("\x00main\x00")}

	_, err := ctf.NewContainer(sect, sym, nil)
	require.ErrorIs(t, err, ctf.ErrFormat)

	c, err := ctf.NewContainer(sect, sym, str)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.Equal(t, 3, c.NumSymbols())

	s, ok := c.String(1 | 1<<31)
	require.True(t, ok)
	require.Equal(t, "main", s)

	_, ok = c.String(100 | 1<<31)
	require.False(t, ok)

	// The descriptors are copied.
	sym.Name = "changed"
	require.Equal(t, ".symtab", c.SymbolSection().Name)
}

func TestNewContainerCorrupt(t *testing.T) {
	compressed := ctftest.Container{Compress: true, CU: "a.c"}.Bytes()
	garbage := append([]byte(nil), compressed...)
	for i := ctf.HeaderSize(ctf.Version); i < len(garbage); i++ {
		garbage[i] = 0xff
	}

	plain := ctftest.Container{CU: "a.c"}.Bytes()

	tests := []struct {
		name string
		in   []byte
		err  error
	}{
		{name: "sixteen zero bytes", in: make([]byte, 16), err: ctf.ErrNoCTFData},
		{name: "body truncated", in: plain[:len(plain)-1], err: ctf.ErrFormat},
		{name: "compressed body truncated", in: compressed[:len(compressed)-4], err: ctf.ErrFormat},
		{name: "compressed garbage", in: garbage, err: ctf.ErrFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := rawio.Outstanding()
			_, err := ctf.NewContainer(&ctf.Section{Name: ctf.SectionName, EntSize: 1, Size: uint64(len(tt.in)), Data: tt.in}, nil, nil)
			require.ErrorIs(t, err, tt.err)
			require.Equal(t, before, rawio.Outstanding())
		})
	}
}

func TestArchive(t *testing.T) {
	parent := ctftest.Container{CU: "shared"}.Bytes()
	child := ctftest.Container{Parent: ".ctf", CU: "main.c", Compress: true}.Bytes()
	data := ctftest.Archive(
		ctftest.Member{Name: ".ctf", Data: parent},
		ctftest.Member{Name: "main.c", Data: child},
	)

	a, err := ctf.NewArchive(data)
	require.NoError(t, err)
	require.Equal(t, 2, a.Len())
	require.Equal(t, []string{".ctf", "main.c"}, a.Members())
	require.Equal(t, uint64(64), a.Model)

	c, err := a.Open("", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "shared", c.CUName())
	require.NoError(t, c.Close())

	c, err = a.Open("main.c", nil, nil)
	require.NoError(t, err)
	require.Equal(t, ".ctf", c.ParentName())
	require.NoError(t, c.Close())

	_, err = a.Open("missing.c", nil, nil)
	require.ErrorIs(t, err, ctf.ErrMemberNotFound)

	require.NoError(t, a.Close())
}

func TestArchiveCorrupt(t *testing.T) {
	valid := ctftest.Archive(ctftest.Member{Name: ".ctf", Data: ctftest.Container{}.Bytes()})

	with := func(off int, v uint64) []byte {
		b := append([]byte(nil), valid...)
		binary.LittleEndian.PutUint64(b[off:], v)
		return b
	}
	unterminated := append([]byte(nil), valid...)
	unterminated[len(unterminated)-1] = 'x'

	tests := []struct {
		name string
		in   []byte
	}{
		{name: "no magic", in: make([]byte, 64)},
		{name: "magic only", in: valid[:8]},
		{name: "header truncated", in: valid[:39]},
		{name: "too many members", in: with(16, 1000)},
		{name: "names offset past end", in: with(24, uint64(len(valid)+1))},
		{name: "ctfs offset past end", in: with(32, uint64(len(valid)+1))},
		{name: "member name out of range", in: with(40, 1<<40)},
		{name: "member data out of range", in: with(48, 1<<40)},
		{name: "member size too large", in: with(56, 1<<40)},
		{name: "name not terminated", in: unterminated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctf.NewArchive(tt.in)
			require.ErrorIs(t, err, ctf.ErrFormat)
		})
	}
}

func TestOpenArchive(t *testing.T) {
	before := rawio.Outstanding()
	path := ctftest.WriteFile(t, "types.ctfa", ctftest.Archive(
		ctftest.Member{Name: ".ctf", Data: ctftest.Container{CU: "a.c"}.Bytes()},
	))

	a, err := ctf.OpenArchive(path)
	require.NoError(t, err)
	require.Equal(t, []string{".ctf"}, a.Members())
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	require.Equal(t, before, rawio.Outstanding())

	empty := ctftest.WriteFile(t, "empty.ctfa", ctftest.Archive())
	f, err := os.Open(empty)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	a, err = ctf.OpenArchiveFile(f)
	require.NoError(t, err)
	require.Zero(t, a.Len())
	require.NoError(t, a.Close())

	_, err = ctf.OpenArchive(ctftest.WriteFile(t, "short.ctfa", ctftest.Archive()[:16]))
	require.ErrorIs(t, err, ctf.ErrFormat)
	require.Equal(t, before, rawio.Outstanding())
}
