package ctf

import "errors"

var (
	// ErrNoCTFData means no recognizable CTF structure is present: the
	// section is missing or the buffer is too short to carry a header.
	ErrNoCTFData = errors.New("no CTF data")
	// ErrFormat means bytes are present but do not parse.
	ErrFormat = errors.New("file format not recognized or corrupt")
	// ErrVersion means the data declares a CTF version newer than this
	// package understands.
	ErrVersion = errors.New("CTF version is not supported")
	// ErrAmbiguous means the object file matches more than one format.
	ErrAmbiguous = errors.New("ambiguous object file format")
	// ErrMemberNotFound means an archive has no member by the requested name.
	ErrMemberNotFound = errors.New("name not found in CTF archive")
)
