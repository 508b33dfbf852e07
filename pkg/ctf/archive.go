package ctf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/polarsignals/ctf-open/pkg/rawio"
)

// Archive layout, all fields little-endian:
//
//	+------------------------------+
//	| magic, model, nfiles,        |  5 x uint64
//	| names offset, ctfs offset    |
//	+------------------------------+
//	| member entry #1              |  name offset, ctf offset (uint64 each),
//	| ...                          |  relative to the names/ctfs offsets
//	+------------------------------+
//	| CTF data: uint64 size, bytes |
//	| ...                          |
//	+------------------------------+
//	| NUL-terminated names         |
//	+------------------------------+
const (
	archiveHeaderSize = 40
	memberEntrySize   = 16
)

// Archive is a collection of named CTF containers stored together.
type Archive struct {
	// Model is the data model the archive was written for.
	Model uint64

	mapping *rawio.Buffer
	names   []string
	members map[string][]byte
}

// NewArchive parses the archive held in data. The whole member directory
// is validated up front. data is borrowed and must stay valid until the
// archive and every container opened from it are closed.
func NewArchive(data []byte) (*Archive, error) {
	if !IsArchive(data) {
		return nil, fmt.Errorf("%w: bad CTF archive magic", ErrFormat)
	}
	if len(data) < archiveHeaderSize {
		return nil, fmt.Errorf("%w: CTF archive header truncated", ErrFormat)
	}

	size := uint64(len(data))
	le := binary.LittleEndian
	a := &Archive{Model: le.Uint64(data[8:])}
	nfiles := le.Uint64(data[16:])
	namesOff := le.Uint64(data[24:])
	ctfsOff := le.Uint64(data[32:])

	if nfiles > (size-archiveHeaderSize)/memberEntrySize {
		return nil, fmt.Errorf("%w: CTF archive claims %d members", ErrFormat, nfiles)
	}
	if namesOff > size || ctfsOff > size {
		return nil, fmt.Errorf("%w: CTF archive table offsets out of range", ErrFormat)
	}

	a.names = make([]string, 0, nfiles)
	a.members = make(map[string][]byte, nfiles)
	for i := uint64(0); i < nfiles; i++ {
		entry := data[archiveHeaderSize+i*memberEntrySize:]
		nameOff := le.Uint64(entry)
		ctfOff := le.Uint64(entry[8:])

		if nameOff >= size-namesOff {
			return nil, fmt.Errorf("%w: CTF archive member %d name out of range", ErrFormat, i)
		}
		name := data[namesOff+nameOff:]
		end := bytes.IndexByte(name, 0)
		if end < 0 {
			return nil, fmt.Errorf("%w: CTF archive member %d name is not terminated", ErrFormat, i)
		}

		if ctfOff > size-ctfsOff || size-ctfsOff-ctfOff < 8 {
			return nil, fmt.Errorf("%w: CTF archive member %d data out of range", ErrFormat, i)
		}
		start := ctfsOff + ctfOff + 8
		length := le.Uint64(data[start-8:])
		if length > size-start {
			return nil, fmt.Errorf("%w: CTF archive member %d is %d bytes, past end of archive", ErrFormat, i, length)
		}

		n := string(name[:end])
		if _, dup := a.members[n]; dup {
			return nil, fmt.Errorf("%w: CTF archive member %q appears twice", ErrFormat, n)
		}
		a.names = append(a.names, n)
		a.members[n] = data[start : start+length]
	}
	return a, nil
}

// OpenArchiveFile maps f and parses it as an archive. The mapping is owned
// by the archive; f may be closed once this returns.
func OpenArchiveFile(f *os.File) (*Archive, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < archiveHeaderSize || st.Size() != int64(int(st.Size())) {
		return nil, fmt.Errorf("%w: %s has an invalid size for a CTF archive", ErrFormat, f.Name())
	}

	m, err := rawio.MapFile(f, 0, int(st.Size()))
	if err != nil {
		return nil, err
	}
	a, err := NewArchive(m.Bytes())
	if err != nil {
		m.Release()
		return nil, err
	}
	m.Protect()
	a.mapping = m
	return a, nil
}

// OpenArchive opens the archive at path.
func OpenArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return OpenArchiveFile(f)
}

// Len returns the number of members.
func (a *Archive) Len() int { return len(a.names) }

// Members returns the member names in directory order.
func (a *Archive) Members() []string {
	return append([]string(nil), a.names...)
}

// Open decodes the named member. An empty name selects the default member,
// SectionName. The returned container borrows the archive's bytes and must
// be closed before the archive.
func (a *Archive) Open(name string, symsect, strsect *Section) (*Container, error) {
	if name == "" {
		name = SectionName
	}
	data, ok := a.members[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMemberNotFound, name)
	}
	return NewContainer(&Section{
		Name:    name,
		EntSize: 1,
		Size:    uint64(len(data)),
		Data:    data,
	}, symsect, strsect)
}

// Close releases the archive's mapping, if it owns one.
func (a *Archive) Close() error {
	m := a.mapping
	a.mapping = nil
	a.members = nil
	return m.Release()
}
