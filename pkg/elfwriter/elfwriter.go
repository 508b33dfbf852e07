// Package elfwriter is a package to write relocatable ELF objects made of
// plain data sections, such as an object carrying a .ctf section for a
// linker or debugger to pick up.
//
// Original work started from https://github.com/go-delve/delve/blob/master/pkg/elfwriter/writer.go
// and was reduced to what section-only objects need, notably missing:
// - Program headers and notes
// - Relocations (type: SHT_RELA)
// - Consistency of linked sections supplied by the caller (sh_link)
package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

const (
	sectionHeaderStrTable = ".shstrtab"
	symbolTable           = ".symtab"
	stringTable           = ".strtab"
)

// WriteCloserSeeker is the union of io.Writer, io.Closer and io.Seeker.
type WriteCloserSeeker interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Section is a section to be written. Offset and size are computed by
// the writer.
type Section struct {
	Name      string
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Link      uint32
	Info      uint32
	Addralign uint64
	Entsize   uint64
	Data      []byte
}

// Writer writes ELF files.
type Writer struct {
	w         WriteCloserSeeker
	byteOrder binary.ByteOrder
	class     elf.Class

	Err error

	Sections []*Section
	symbols  []string

	seekSectionHeader    int64 // shoff
	seekSectionNum       int64 // shnum
	seekSectionStringIdx int64 // shstrndx

	shnum, shoff, shstrndx int64 // just for validation after Write.
}

// New creates a new Writer and writes the file header.
func New(w WriteCloserSeeker, fhdr *elf.FileHeader, opts ...Option) (*Writer, error) {
	if fhdr.ByteOrder == nil {
		return nil, errors.New("byte order has to be specified")
	}

	switch fhdr.Class {
	case elf.ELFCLASS32:
	case elf.ELFCLASS64:
		// Ok
	default:
		return nil, errors.New("unknown ELF class")
	}

	wrt := &Writer{
		w:         w,
		byteOrder: fhdr.ByteOrder,
		class:     fhdr.Class,
	}
	for _, opt := range opts {
		opt(wrt)
	}

	if err := wrt.writeFileHeader(fhdr); err != nil {
		return nil, fmt.Errorf("failed to write file header: %w", err)
	}
	return wrt, nil
}

// Write writes the sections and the section header table to output.
func (w *Writer) Write() error {
	// +-------------------------------+
	// | ELF File Header               |
	// +-------------------------------+
	// | Contents (Byte Stream)        |
	// | ...                           |
	// +-------------------------------+
	// | ".strtab"   section           |
	// +-------------------------------+
	// | ".symtab"   section           |
	// +-------------------------------+
	// | ".shstrtab" section           |
	// +-------------------------------+
	// | Section Header for section #0 |
	// +-------------------------------+
	// | Section Header for section #1 |
	// +-------------------------------+
	// | ...                           |
	// +-------------------------------+
	w.writeSections()
	if w.Err != nil {
		return w.Err
	}
	if w.shoff == 0 && w.shnum != 0 {
		return fmt.Errorf("invalid ELF shnum=%d for shoff=0", w.shnum)
	}

	if w.shnum > 0 && w.shstrndx >= w.shnum {
		return fmt.Errorf("invalid ELF shstrndx=%d", w.shstrndx)
	}
	return nil
}

// writeFileHeader writes the initial file header using given information.
func (w *Writer) writeFileHeader(fhdr *elf.FileHeader) error {
	var ehsize, shentsize uint16
	switch fhdr.Class {
	case elf.ELFCLASS32:
		ehsize = 52
		shentsize = 40
	case elf.ELFCLASS64:
		ehsize = 64
		shentsize = 64
	default:
		return errors.New("unknown ELF class")
	}

	// e_ident
	w.write([]byte{
		0x7f, 'E', 'L', 'F', // Magic number
		byte(fhdr.Class),
		byte(fhdr.Data),
		byte(elf.EV_CURRENT),
		byte(fhdr.OSABI),
		fhdr.ABIVersion,
		0, 0, 0, 0, 0, 0, 0, // Padding
	})

	w.u16(uint16(fhdr.Type))      // e_type
	w.u16(uint16(fhdr.Machine))   // e_machine
	w.u32(uint32(elf.EV_CURRENT)) // e_version
	w.addr(0)                     // e_entry
	w.addr(0)                     // e_phoff
	w.seekSectionHeader = w.here()
	w.addr(0)        // e_shoff
	w.u32(0)         // e_flags
	w.u16(ehsize)    // e_ehsize
	w.u16(0)         // e_phentsize
	w.u16(0)         // e_phnum
	w.u16(shentsize) // e_shentsize
	w.seekSectionNum = w.here()
	w.u16(0) // e_shnum
	w.seekSectionStringIdx = w.here()
	w.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	if w.Err != nil {
		return w.Err
	}
	// Sanity check, size of file header should be the same as ehsize
	if sz, _ := w.w.Seek(0, io.SeekCurrent); sz != int64(ehsize) {
		return errors.New("internal error, ELF header size")
	}
	return nil
}

// writeSections writes the sections at the current location
// and patches the file header accordingly.
func (w *Writer) writeSections() {
	// http://www.sco.com/developers/gabi/2003-12-17/ch4.sheader.html
	// sections that will end up in the output, index 0 is reserved.
	stw := []*Section{{Type: elf.SHT_NULL}}
	for _, sec := range w.Sections {
		if sec.Type == elf.SHT_NULL || sec.Name == sectionHeaderStrTable {
			// Rebuilt below.
			continue
		}
		stw = append(stw, sec)
	}
	if len(w.symbols) > 0 {
		strtab, symtab := w.symbolSections()
		symtab.Link = uint32(len(stw))
		stw = append(stw, strtab, symtab)
	}

	// Build section header string table.
	shstrtab := &Section{
		Name:      sectionHeaderStrTable,
		Type:      elf.SHT_STRTAB,
		Addralign: 1,
	}
	stw = append(stw, shstrtab)
	shnum := len(stw)

	names := make([]string, shnum)
	for i, sec := range stw {
		names[i] = sec.Name
	}
	var nameIdx []uint32
	shstrtab.Data, nameIdx = w.strtab(names)

	offsets := make([]uint64, shnum)
	for i, sec := range stw {
		if i == 0 {
			continue
		}
		if sec.Addralign > 1 {
			w.align(int64(sec.Addralign))
		}
		offsets[i] = uint64(w.here())
		w.write(sec.Data)
	}

	// Start writing the section header table.
	if w.class == elf.ELFCLASS64 {
		w.align(8)
	} else {
		w.align(4)
	}
	shoff := w.here()
	for i, sec := range stw {
		w.writeSectionHeader(nameIdx[i], offsets[i], sec)
	}

	// Patch file header.
	w.seek(w.seekSectionHeader, io.SeekStart)
	w.addr(uint64(shoff))
	w.shoff = shoff
	w.seek(w.seekSectionNum, io.SeekStart)
	w.u16(uint16(shnum)) // e_shnum
	w.shnum = int64(shnum)
	w.seek(w.seekSectionStringIdx, io.SeekStart)
	w.u16(uint16(shnum - 1)) // The last section is string names.
	w.shstrndx = int64(shnum - 1)
	w.seek(0, io.SeekEnd)
}

func (w *Writer) writeSectionHeader(name uint32, off uint64, sec *Section) {
	size := uint64(len(sec.Data))
	switch w.class {
	case elf.ELFCLASS32:
		// ELF32 Section header.
		// type Section32 struct {
		// 	Name      uint32 /* Section name (index into the section header string table). */
		// 	Type      uint32 /* Section type. */
		// 	Flags     uint32 /* Section flags. */
		// 	Addr      uint32 /* Address in memory image. */
		// 	Off       uint32 /* Offset in file. */
		// 	Size      uint32 /* Size in bytes. */
		// 	Link      uint32 /* Index of a related section. */
		// 	Info      uint32 /* Depends on section type. */
		// 	Addralign uint32 /* Alignment in bytes. */
		// 	Entsize   uint32 /* Size of each entry in section. */
		// }
		w.u32(name)
		w.u32(uint32(sec.Type))
		w.u32(uint32(sec.Flags))
		w.u32(0)
		w.u32(uint32(off))
		w.u32(uint32(size))
		w.u32(sec.Link)
		w.u32(sec.Info)
		w.u32(uint32(sec.Addralign))
		w.u32(uint32(sec.Entsize))
	case elf.ELFCLASS64:
		// ELF64 Section header.
		// type Section64 struct {
		// 	Name      uint32 /* Section name (index into the section header string table). */
		// 	Type      uint32 /* Section type. */
		// 	Flags     uint64 /* Section flags. */
		// 	Addr      uint64 /* Address in memory image. */
		// 	Off       uint64 /* Offset in file. */
		// 	Size      uint64 /* Size in bytes. */
		// 	Link      uint32 /* Index of a related section. */
		// 	Info      uint32 /* Depends on section type. */
		// 	Addralign uint64 /* Alignment in bytes. */
		// 	Entsize   uint64 /* Size of each entry in section. */
		// }
		w.u32(name)
		w.u32(uint32(sec.Type))
		w.u64(uint64(sec.Flags))
		w.u64(0)
		w.u64(off)
		w.u64(size)
		w.u32(sec.Link)
		w.u32(sec.Info)
		w.u64(sec.Addralign)
		w.u64(sec.Entsize)
	}
}

// symbolSections builds a string table and a symbol table holding an
// absolute global object symbol per name, after the mandatory null symbol.
func (w *Writer) symbolSections() (strtab, symtab *Section) {
	strs, idx := w.strtab(w.symbols)

	var (
		entsize int
		align   uint64
		syms    []byte
	)
	info := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)
	switch w.class {
	case elf.ELFCLASS32:
		entsize = elf.Sym32Size
		align = 4
		syms = make([]byte, entsize*(len(w.symbols)+1))
		for i := range w.symbols {
			// Name, Value, Size uint32; Info, Other uint8; Shndx uint16.
			e := syms[entsize*(i+1):]
			w.byteOrder.PutUint32(e, idx[i])
			e[12] = info
			w.byteOrder.PutUint16(e[14:], uint16(elf.SHN_ABS))
		}
	default:
		entsize = elf.Sym64Size
		align = 8
		syms = make([]byte, entsize*(len(w.symbols)+1))
		for i := range w.symbols {
			// Name uint32; Info, Other uint8; Shndx uint16; Value, Size uint64.
			e := syms[entsize*(i+1):]
			w.byteOrder.PutUint32(e, idx[i])
			e[4] = info
			w.byteOrder.PutUint16(e[6:], uint16(elf.SHN_ABS))
		}
	}

	strtab = &Section{
		Name:      stringTable,
		Type:      elf.SHT_STRTAB,
		Addralign: 1,
		Data:      strs,
	}
	symtab = &Section{
		Name:      symbolTable,
		Type:      elf.SHT_SYMTAB,
		Info:      1, // Index of the first non-local symbol.
		Addralign: align,
		Entsize:   uint64(entsize),
		Data:      syms,
	}
	return strtab, symtab
}

// Close closes the WriteCloseSeeker.
func (w *Writer) Close() error {
	var err error
	if w.w != nil {
		err = w.w.Close()
	}
	return err
}

// here returns the current seek offset from the start of the file.
func (w *Writer) here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// seek moves the cursor to the point calculated using offset and starting point.
func (w *Writer) seek(offset int64, whence int) {
	_, err := w.w.Seek(offset, whence)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

// align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) align(align int64) {
	off := w.here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.write(make([]byte, alignOff-off))
	}
}

func (w *Writer) write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, w.byteOrder, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, w.byteOrder, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, w.byteOrder, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

// addr writes an address-sized value for the file class.
func (w *Writer) addr(n uint64) {
	if w.class == elf.ELFCLASS32 {
		w.u32(uint32(n))
		return
	}
	w.u64(n)
}

// strtab encodes strs in string table format and returns the offset of
// each string. Empty strings share the leading null byte.
func (w *Writer) strtab(strs []string) ([]byte, []uint32) {
	// http://www.sco.com/developers/gabi/2003-12-17/ch4.strtab.html
	buf := []byte{0}
	idx := make([]uint32, len(strs))
	for i, s := range strs {
		if s == "" {
			continue
		}
		data, err := unix.ByteSliceFromString(s)
		if err != nil {
			if w.Err == nil {
				w.Err = err
			}
			break
		}
		idx[i] = uint32(len(buf))
		buf = append(buf, data...)
	}
	return buf, idx
}
