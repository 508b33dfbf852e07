package ctfopen

import (
	"os"

	"github.com/go-kit/log"

	"github.com/polarsignals/ctf-open/pkg/ctf"
	"github.com/polarsignals/ctf-open/pkg/ctfenv"
	"github.com/polarsignals/ctf-open/pkg/objfile"
)

type Option func(o *opener)

// WithLogger sets the logger diagnostics are written to. By default they
// go to the ctfenv debug trace.
func WithLogger(l log.Logger) Option {
	return func(o *opener) {
		o.logger = l
	}
}

// WithDecoder replaces the decoder containers and archives are built with.
func WithDecoder(d Decoder) Option {
	return func(o *opener) {
		o.decoder = d
	}
}

// Decoder turns validated CTF bytes into containers and archives.
type Decoder interface {
	// OpenContainer decodes a single container. symsect and strsect are
	// either both nil or both set.
	OpenContainer(ctfsect, symsect, strsect *ctf.Section) (*ctf.Container, error)
	// OpenArchiveBuffer decodes an archive held in memory.
	OpenArchiveBuffer(data []byte) (*ctf.Archive, error)
	// OpenArchive opens the archive stored at path.
	OpenArchive(path string) (*ctf.Archive, error)
	// OpenArchiveFile opens the archive stored in f without closing f.
	OpenArchiveFile(f *os.File) (*ctf.Archive, error)
}

type defaultDecoder struct{}

func (defaultDecoder) OpenContainer(ctfsect, symsect, strsect *ctf.Section) (*ctf.Container, error) {
	return ctf.NewContainer(ctfsect, symsect, strsect)
}

func (defaultDecoder) OpenArchiveBuffer(data []byte) (*ctf.Archive, error) {
	return ctf.NewArchive(data)
}

func (defaultDecoder) OpenArchive(path string) (*ctf.Archive, error) {
	return ctf.OpenArchive(path)
}

func (defaultDecoder) OpenArchiveFile(f *os.File) (*ctf.Archive, error) {
	return ctf.OpenArchiveFile(f)
}

type opener struct {
	logger  log.Logger
	decoder Decoder
	// newObject reads an object file, taking ownership of r.
	newObject func(r objfile.ReaderAtCloser, name, target string) (*objfile.File, error)
}

func newOpener(opts []Option) *opener {
	// Reads the debug toggle from the environment on first use.
	ctfenv.Debug()

	o := &opener{
		logger:    ctfenv.Logger(),
		decoder:   defaultDecoder{},
		newObject: objfile.NewFile,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
