package ctf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"

	"github.com/polarsignals/ctf-open/pkg/rawio"
)

// Container is a single CTF container whose header has been validated and
// whose body is available uncompressed. Decoding of the type, object and
// function records in the body is left to the consumer.
type Container struct {
	header *Header
	order  binary.ByteOrder

	sect     Section
	symsect  *Section
	strsect  *Section
	body     []byte
	inflated *rawio.Buffer
}

// NewContainer validates the CTF data in ctfsect and wraps it, together with
// the optional symbol and string tables the data refers to. The section
// bytes are borrowed and must stay valid until the container is closed;
// the descriptors themselves are copied.
func NewContainer(ctfsect, symsect, strsect *Section) (*Container, error) {
	if ctfsect == nil {
		return nil, fmt.Errorf("%w: no CTF section", ErrNoCTFData)
	}
	if symsect != nil && strsect == nil {
		return nil, fmt.Errorf("%w: symbol table given without a string table", ErrFormat)
	}

	data := ctfsect.Data
	if ctfsect.Size < uint64(len(data)) {
		data = data[:ctfsect.Size]
	}
	h, order, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}

	c := &Container{
		header: h,
		order:  order,
		sect:   *ctfsect,
	}
	if symsect != nil {
		sym, str := *symsect, *strsect
		c.symsect, c.strsect = &sym, &str
	}

	body := data[h.Size():]
	if h.Compressed() {
		buf, err := inflate(body, h.BodySize())
		if err != nil {
			return nil, err
		}
		c.inflated = buf
		c.body = buf.Bytes()
		return c, nil
	}

	if uint64(len(body)) < h.BodySize() {
		return nil, fmt.Errorf("%w: body is %d bytes, header describes %d", ErrFormat, len(body), h.BodySize())
	}
	c.body = body[:h.BodySize()]
	return c, nil
}

func inflate(src []byte, size uint64) (*rawio.Buffer, error) {
	if size > math.MaxInt32 {
		return nil, fmt.Errorf("%w: decompressed body of %d bytes is too large", ErrFormat, size)
	}
	buf, err := rawio.Alloc(int(size))
	if err != nil {
		return nil, err
	}

	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		buf.Release()
		return nil, fmt.Errorf("%w: decompression: %v", ErrFormat, err)
	}
	defer zr.Close()

	if _, err := io.ReadFull(zr, buf.Bytes()); err != nil {
		buf.Release()
		return nil, fmt.Errorf("%w: decompression: %v", ErrFormat, err)
	}
	var extra [1]byte
	if n, err := io.ReadFull(zr, extra[:]); n != 0 {
		buf.Release()
		return nil, fmt.Errorf("%w: decompressed body exceeds %d bytes", ErrFormat, size)
	} else if err != io.EOF {
		buf.Release()
		return nil, fmt.Errorf("%w: decompression: %v", ErrFormat, err)
	}

	buf.Protect()
	return buf, nil
}

// Header returns the container header.
func (c *Container) Header() *Header { return c.header }

// ByteOrder returns the byte order the container was written in.
func (c *Container) ByteOrder() binary.ByteOrder { return c.order }

// Body returns the uncompressed body the header offsets refer to.
func (c *Container) Body() []byte { return c.body }

// Section returns the CTF section the container was opened from.
func (c *Container) Section() Section { return c.sect }

// SymbolSection returns the symbol table, or nil.
func (c *Container) SymbolSection() *Section { return c.symsect }

// StringSection returns the string table paired with the symbol table, or
// nil.
func (c *Container) StringSection() *Section { return c.strsect }

// NumSymbols returns the number of entries in the symbol table.
func (c *Container) NumSymbols() int {
	if c.symsect == nil || c.symsect.EntSize == 0 {
		return 0
	}
	return int(c.symsect.Size / c.symsect.EntSize)
}

// String resolves a string reference. References with the top bit set name
// an offset in the external string table, others an offset in the
// container's own string section.
func (c *Container) String(ref uint32) (string, bool) {
	var tab []byte
	if ref>>31 == 0 {
		tab = c.body[c.header.StrOff:c.header.BodySize()]
	} else if c.strsect != nil {
		tab = c.strsect.Data
	}

	off := ref & 0x7fffffff
	if uint64(off) >= uint64(len(tab)) {
		return "", false
	}
	s := tab[off:]
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s), true
}

// ParentName returns the name of the parent container, if any.
func (c *Container) ParentName() string {
	return c.name(c.header.ParentName)
}

// CUName returns the compilation unit name, if any.
func (c *Container) CUName() string {
	return c.name(c.header.CUName)
}

func (c *Container) name(ref uint32) string {
	if ref == 0 {
		return ""
	}
	s, _ := c.String(ref)
	return s
}

// Close releases the decompressed body, if one was allocated.
func (c *Container) Close() error {
	buf := c.inflated
	c.inflated = nil
	c.body = nil
	return buf.Release()
}
