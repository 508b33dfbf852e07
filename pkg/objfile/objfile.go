// Package objfile gives uniform access to the named sections and the
// symbol table of ELF, Mach-O and PE object files.
package objfile

import (
	"debug/elf"
	"debug/macho"
	"debug/pe"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrUnknownFormat is returned when no reader recognizes the file.
	ErrUnknownFormat = errors.New("unrecognized object file format")
	// ErrAmbiguous is returned when more than one reader recognizes the file.
	ErrAmbiguous = errors.New("file format is ambiguous")
	// ErrUnknownTarget is returned for a target name naming no supported format.
	ErrUnknownTarget = errors.New("invalid target")
)

// Format is an object file format family.
type Format string

const (
	FormatELF   Format = "elf"
	FormatMachO Format = "mach-o"
	FormatPE    Format = "pe"
)

// ReaderAtCloser is the union of io.ReaderAt and io.Closer.
type ReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Section is a named section of an object file.
type Section struct {
	Name string
	// Size is the size of the section contents, after decompression.
	Size uint64
	// Entsize is the size of each record for sections holding a table.
	Entsize uint64
	// Link is the index of a related section, ELF only.
	Link uint32

	open func() io.Reader
}

// File is an opened object file.
type File struct {
	name     string
	format   Format
	r        ReaderAtCloser
	sections []*Section

	elf   *elf.File
	macho *macho.File
	pe    *pe.File
}

type opener struct {
	format Format
	open   func(*File) error
}

var openers = []opener{
	{FormatELF, openELF},
	{FormatMachO, openMachO},
	{FormatPE, openPE},
}

// NewFile reads an object file from r. Ownership of r passes to the
// returned File, and r is closed when NewFile fails. name is used in
// diagnostics only. A non-empty target restricts the formats tried to the
// family it names, such as "elf64-x86-64", "mach-o-arm64" or "pei-x86-64".
func NewFile(r ReaderAtCloser, name, target string) (*File, error) {
	candidates, err := targetOpeners(target)
	if err != nil {
		r.Close()
		return nil, err
	}

	var (
		found   *File
		matches []Format
	)
	for _, o := range candidates {
		f := &File{name: name, format: o.format, r: r}
		if err := o.open(f); err != nil {
			continue
		}
		matches = append(matches, o.format)
		if found == nil {
			found = f
		}
	}

	switch len(matches) {
	case 0:
		r.Close()
		return nil, fmt.Errorf("%s: %w", displayName(name), ErrUnknownFormat)
	case 1:
		return found, nil
	default:
		r.Close()
		return nil, fmt.Errorf("%s: %w: matches %v", displayName(name), ErrAmbiguous, matches)
	}
}

func targetOpeners(target string) ([]opener, error) {
	if target == "" || target == "default" {
		return openers, nil
	}
	t := strings.ToLower(target)
	var format Format
	switch {
	case strings.HasPrefix(t, "elf"):
		format = FormatELF
	case strings.HasPrefix(t, "mach-o"):
		format = FormatMachO
	case strings.HasPrefix(t, "pe"):
		format = FormatPE
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
	}
	for _, o := range openers {
		if o.format == format {
			return []opener{o}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTarget, target)
}

func displayName(name string) string {
	if name == "" {
		return "(unknown file)"
	}
	return name
}

func openELF(f *File) error {
	ef, err := elf.NewFile(f.r)
	if err != nil {
		return err
	}
	f.elf = ef
	for _, s := range ef.Sections {
		s := s
		f.sections = append(f.sections, &Section{
			Name:    s.Name,
			Size:    s.Size,
			Entsize: s.Entsize,
			Link:    s.Link,
			open:    func() io.Reader { return s.Open() },
		})
	}
	return nil
}

func openMachO(f *File) error {
	mf, err := macho.NewFile(f.r)
	if err != nil {
		return err
	}
	f.macho = mf
	for _, s := range mf.Sections {
		s := s
		f.sections = append(f.sections, &Section{
			Name: s.Name,
			Size: s.Size,
			open: func() io.Reader { return s.Open() },
		})
	}
	return nil
}

func openPE(f *File) error {
	pf, err := pe.NewFile(f.r)
	if err != nil {
		return err
	}
	f.pe = pf
	for _, s := range pf.Sections {
		s := s
		// Raw data is padded to the file alignment.
		size := uint64(s.Size)
		if s.VirtualSize != 0 && uint64(s.VirtualSize) < size {
			size = uint64(s.VirtualSize)
		}
		f.sections = append(f.sections, &Section{
			Name: s.Name,
			Size: size,
			open: func() io.Reader { return s.Open() },
		})
	}
	return nil
}

// Name returns the name the file was opened with.
func (f *File) Name() string { return f.name }

// Format returns the format family of the file.
func (f *File) Format() Format { return f.format }

// Sections returns the sections in file order.
func (f *File) Sections() []*Section { return f.sections }

// Section returns the first section with the given name, or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// ReadSection reads the contents of s into p, which must be s.Size bytes
// long. Compressed sections are decompressed.
func (f *File) ReadSection(s *Section, p []byte) error {
	if uint64(len(p)) != s.Size {
		return fmt.Errorf("read section %s: buffer is %d bytes, section is %d", s.Name, len(p), s.Size)
	}
	if _, err := io.ReadFull(s.open(), p); err != nil {
		return fmt.Errorf("read section %s: %w", s.Name, err)
	}
	return nil
}

// SymbolTables returns the symbol table and the string table it links to.
// ok is false when the file has no symbol table, when the table's link
// does not name a section, or when its entries have no size.
func (f *File) SymbolTables() (symtab, strtab *Section, ok bool) {
	if f.elf == nil {
		return nil, nil, false
	}
	for i, s := range f.elf.Sections {
		if s.Type != elf.SHT_SYMTAB {
			continue
		}
		link := s.Link
		if link == uint32(elf.SHN_UNDEF) || int(link) >= len(f.sections) || s.Entsize == 0 {
			return nil, nil, false
		}
		return f.sections[i], f.sections[link], true
	}
	return nil, nil, false
}

// Close closes the file and the reader it was opened from.
func (f *File) Close() error {
	var errs []error
	switch {
	case f.elf != nil:
		errs = append(errs, f.elf.Close())
	case f.macho != nil:
		errs = append(errs, f.macho.Close())
	case f.pe != nil:
		errs = append(errs, f.pe.Close())
	}
	if f.r != nil {
		errs = append(errs, f.r.Close())
		f.r = nil
	}
	return errors.Join(errs...)
}
