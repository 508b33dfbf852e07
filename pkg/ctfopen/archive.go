package ctfopen

import (
	"errors"
	"fmt"

	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/objfile"
	"github.com/polarsignals/ctf-open/pkg/rawio"
)

// symbolTables is a symbol table and its string table, read into buffers
// owned by the handle. They only exist as a pair.
type symbolTables struct {
	sym, str       ctf.Section
	symBuf, strBuf *rawio.Buffer
}

func (t *symbolTables) release() error {
	return errors.Join(t.symBuf.Release(), t.strBuf.Release())
}

// Archive is an opened CTF archive or single CTF container, together with
// everything that has to be released when it is closed. It is not safe for
// concurrent use.
type Archive struct {
	archive   *ctf.Archive
	container *ctf.Container

	tables *symbolTables
	// data holds the CTF section read out of an object file.
	data *rawio.Buffer
	// mapped holds a raw CTF file mapped as a whole.
	mapped *rawio.Buffer

	obj      *objfile.File
	closeObj func(*objfile.File) error

	decoder Decoder
}

func (o *opener) newArchive(arc *ctf.Archive, tables *symbolTables) *Archive {
	return &Archive{archive: arc, tables: tables, decoder: o.decoder}
}

func (o *opener) newContainer(fp *ctf.Container, tables *symbolTables) *Archive {
	return &Archive{container: fp, tables: tables, decoder: o.decoder}
}

// IsArchive reports whether the handle holds a multi-member archive rather
// than a single container.
func (a *Archive) IsArchive() bool { return a.archive != nil }

// Archive returns the archive, or nil for a single container.
func (a *Archive) Archive() *ctf.Archive { return a.archive }

// Container returns the single container, or nil for an archive.
func (a *Archive) Container() *ctf.Container { return a.container }

// SymbolSection returns the symbol table read from the object file, or nil.
func (a *Archive) SymbolSection() *ctf.Section {
	if a.tables == nil {
		return nil
	}
	return &a.tables.sym
}

// StringSection returns the string table linked from the symbol table, or
// nil.
func (a *Archive) StringSection() *ctf.Section {
	if a.tables == nil {
		return nil
	}
	return &a.tables.str
}

// Object returns the object file the CTF was read from when the handle
// opened it itself, or nil.
func (a *Archive) Object() *objfile.File { return a.obj }

// Mapped returns the raw CTF file mapping, or nil.
func (a *Archive) Mapped() []byte { return a.mapped.Bytes() }

// Members returns the names of the containers held. A single container is
// reported as ctf.SectionName.
func (a *Archive) Members() []string {
	if a.archive != nil {
		return a.archive.Members()
	}
	return []string{ctf.SectionName}
}

// OpenMember opens the named container with the handle's symbol and string
// tables. An empty name selects ctf.SectionName. The caller closes the
// returned container before closing the handle.
func (a *Archive) OpenMember(name string) (*ctf.Container, error) {
	if a.archive != nil {
		return a.archive.Open(name, a.SymbolSection(), a.StringSection())
	}
	if name != "" && name != ctf.SectionName {
		return nil, fmt.Errorf("%w: %q", ctf.ErrMemberNotFound, name)
	}
	sect := a.container.Section()
	return a.decoder.OpenContainer(&sect, a.SymbolSection(), a.StringSection())
}

// Close releases the container or archive, the symbol and string tables,
// the CTF data and the object file, in that order.
func (a *Archive) Close() error {
	var errs []error
	if a.archive != nil {
		errs = append(errs, a.archive.Close())
		a.archive = nil
	}
	if a.container != nil {
		errs = append(errs, a.container.Close())
		a.container = nil
	}
	if a.tables != nil {
		errs = append(errs, a.tables.release())
		a.tables = nil
	}
	errs = append(errs, a.data.Release(), a.mapped.Release())
	a.data, a.mapped = nil, nil

	if a.obj != nil && a.closeObj != nil {
		errs = append(errs, a.closeObj(a.obj))
	}
	a.obj, a.closeObj = nil, nil
	return errors.Join(errs...)
}
