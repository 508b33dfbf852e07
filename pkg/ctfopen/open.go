// Package ctfopen opens CTF data from a raw CTF file, a CTF archive, or the
// .ctf section of an object file, and hands back a handle that owns every
// resource acquired along the way.
package ctfopen

import (
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/go-kit/log/level"

	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/objfile"
	"github.com/polarsignals/ctf-open/pkg/rawio"
)

// Open opens the file at path and reads CTF from it. target restricts the
// object file formats considered, empty meaning any.
func Open(path, target string, opts ...Option) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// Object files are read through a duplicate, and raw CTF files through
	// a mapping, so f is not needed past OpenFile.
	defer f.Close()

	return OpenFile(f, path, target, opts...)
}

// OpenFile reads CTF from f, which stays owned by the caller and can be
// closed once OpenFile returns. The kind of file is detected from its first
// bytes: a CTF preamble means a raw container, the archive magic an archive,
// and anything else is handed to the object file readers. filename is used
// to reopen archives and in diagnostics; it may be empty.
func OpenFile(f *os.File, filename, target string, opts ...Option) (*Archive, error) {
	return newOpener(opts).openFile(f, filename, target)
}

// OpenObject reads the .ctf section of obj, along with its symbol table.
// obj stays owned by the caller and must outlive the handle.
func OpenObject(obj *objfile.File, opts ...Option) (*Archive, error) {
	return newOpener(opts).openObject(obj)
}

// OpenObjectSection opens the CTF data in sect, using the symbol table of
// obj when obj is non-nil. sect.Data is borrowed and must outlive the
// handle.
func OpenObjectSection(obj *objfile.File, sect *ctf.Section, opts ...Option) (*Archive, error) {
	if sect == nil {
		return nil, fmt.Errorf("%w: no CTF section", ctf.ErrNoCTFData)
	}
	return newOpener(opts).openObjectSection(obj, sect)
}

func (o *opener) openFile(f *os.File, filename, target string) (*Archive, error) {
	name := filename
	if name == "" {
		name = f.Name()
	}

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := st.Size()
	if size > math.MaxInt {
		return nil, fmt.Errorf("%w: %s is too large", ctf.ErrFormat, name)
	}

	var prefix [8]byte
	n, err := rawio.ReadAt(f, prefix[:], 0)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ctf.ErrFormat, name)
	}

	if p, _, ok := ctf.ParsePreamble(prefix[:n]); ok {
		if p.Version > ctf.Version {
			return nil, fmt.Errorf("%w: %s has version %d", ctf.ErrVersion, name, p.Version)
		}
		return o.openRaw(f, name, int(size))
	}
	if ctf.IsArchive(prefix[:n]) {
		return o.openArchive(f, filename)
	}
	return o.openObjectFile(f, name, target)
}

func (o *opener) openRaw(f *os.File, name string, size int) (*Archive, error) {
	m, err := rawio.MapFile(f, 0, size)
	if err != nil {
		return nil, fmt.Errorf("map %s: %w", name, err)
	}
	fp, err := o.decoder.OpenContainer(&ctf.Section{
		Name:    ctf.SectionName,
		EntSize: 1,
		Size:    uint64(m.Len()),
		Data:    m.Bytes(),
	}, nil, nil)
	if err != nil {
		level.Debug(o.logger).Log("msg", "cannot open CTF file", "file", name, "err", err)
		m.Release()
		return nil, err
	}

	a := o.newContainer(fp, nil)
	a.mapped = m
	return a, nil
}

func (o *opener) openArchive(f *os.File, filename string) (*Archive, error) {
	var (
		arc *ctf.Archive
		err error
	)
	if filename != "" {
		arc, err = o.decoder.OpenArchive(filename)
	} else {
		arc, err = o.decoder.OpenArchiveFile(f)
	}
	if err != nil {
		return nil, err
	}
	return o.newArchive(arc, nil), nil
}

func (o *opener) openObjectFile(f *os.File, name, target string) (*Archive, error) {
	dup, err := rawio.Dup(f)
	if err != nil {
		return nil, fmt.Errorf("duplicate descriptor of %s: %w", name, err)
	}

	// The object file owns dup from here on, and closes it on failure.
	obj, err := o.newObject(dup, name, target)
	if err != nil {
		level.Debug(o.logger).Log("msg", "cannot open object file", "file", name, "err", err)
		if errors.Is(err, objfile.ErrAmbiguous) {
			return nil, fmt.Errorf("%w: %v", ctf.ErrAmbiguous, err)
		}
		return nil, fmt.Errorf("%w: %v", ctf.ErrFormat, err)
	}

	a, err := o.openObject(obj)
	if err != nil {
		o.closeObject(obj)
		return nil, err
	}
	a.obj = obj
	a.closeObj = o.closeObject
	return a, nil
}

func (o *opener) closeObject(obj *objfile.File) error {
	if err := obj.Close(); err != nil {
		level.Debug(o.logger).Log("msg", "cannot close object file", "file", obj.Name(), "err", err)
		return err
	}
	return nil
}

func (o *opener) openObject(obj *objfile.File) (*Archive, error) {
	s := obj.Section(ctf.SectionName)
	if s == nil {
		return nil, fmt.Errorf("%w: %s has no %s section", ctf.ErrNoCTFData, obj.Name(), ctf.SectionName)
	}

	buf, err := readSection(obj, s)
	if err != nil {
		level.Debug(o.logger).Log("msg", "cannot read CTF section", "file", obj.Name(), "err", err)
		return nil, fmt.Errorf("%w: %w", ctf.ErrFormat, err)
	}
	buf.Protect()

	a, err := o.openObjectSection(obj, &ctf.Section{
		Name:    ctf.SectionName,
		EntSize: 1,
		Size:    s.Size,
		Data:    buf.Bytes(),
	})
	if err != nil {
		buf.Release()
		return nil, err
	}
	a.data = buf
	return a, nil
}

func (o *opener) openObjectSection(obj *objfile.File, sect *ctf.Section) (a *Archive, err error) {
	tables, err := o.readSymbolTables(obj)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && tables != nil {
			tables.release()
		}
	}()

	data := sect.Data
	if sect.Size < uint64(len(data)) {
		data = data[:sect.Size]
	}
	// A section holding nothing but the archive magic is not an archive.
	if len(data) > 8 && ctf.IsArchive(data) {
		arc, err := o.decoder.OpenArchiveBuffer(data)
		if err != nil {
			return nil, err
		}
		return o.newArchive(arc, tables), nil
	}

	var symsect, strsect *ctf.Section
	if tables != nil {
		symsect, strsect = &tables.sym, &tables.str
	}
	fp, err := o.decoder.OpenContainer(sect, symsect, strsect)
	if err != nil {
		level.Debug(o.logger).Log("msg", "cannot open CTF section", "err", err)
		return nil, err
	}
	return o.newContainer(fp, tables), nil
}

// readSymbolTables reads the symbol table of obj and the string table it
// links to. It returns nil when obj is nil or has no usable symbol table.
func (o *opener) readSymbolTables(obj *objfile.File) (*symbolTables, error) {
	if obj == nil {
		return nil, nil
	}
	symsect, strsect, ok := obj.SymbolTables()
	if !ok {
		return nil, nil
	}

	strBuf, err := readSection(obj, strsect)
	if err != nil {
		level.Debug(o.logger).Log("msg", "cannot read string table", "file", obj.Name(), "err", err)
		return nil, fmt.Errorf("%w: string table: %w", ctf.ErrFormat, err)
	}
	symBuf, err := readSection(obj, symsect)
	if err != nil {
		strBuf.Release()
		level.Debug(o.logger).Log("msg", "cannot read symbol table", "file", obj.Name(), "err", err)
		return nil, fmt.Errorf("%w: symbol table: %w", ctf.ErrFormat, err)
	}
	strBuf.Protect()
	symBuf.Protect()

	return &symbolTables{
		sym: ctf.Section{
			Name:    symsect.Name,
			EntSize: symsect.Entsize,
			Size:    symsect.Size,
			Data:    symBuf.Bytes(),
		},
		str: ctf.Section{
			Name:    strsect.Name,
			EntSize: 1,
			Size:    strsect.Size,
			Data:    strBuf.Bytes(),
		},
		symBuf: symBuf,
		strBuf: strBuf,
	}, nil
}

func readSection(obj *objfile.File, s *objfile.Section) (*rawio.Buffer, error) {
	if s.Size > math.MaxInt32 {
		return nil, fmt.Errorf("section %s of %d bytes is too large", s.Name, s.Size)
	}
	buf, err := rawio.Alloc(int(s.Size))
	if err != nil {
		return nil, fmt.Errorf("allocate section %s: %w", s.Name, err)
	}
	if err := obj.ReadSection(s, buf.Bytes()); err != nil {
		buf.Release()
		return nil, err
	}
	return buf, nil
}
