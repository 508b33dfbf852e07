//go:build !unix

package rawio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

var errInvalid = syscall.EINVAL

const mmapSupported = false

// Without mmap every buffer lives on the heap.
func allocMapped(size int) (*Buffer, error) {
	return newHeapBuffer(size), nil
}

func unmap([]byte) error { return nil }

func protect([]byte) {}

// MapFile copies length bytes of f starting at offset into a heap buffer.
func MapFile(f *os.File, offset int64, length int) (*Buffer, error) {
	if length < 0 || offset < 0 {
		return nil, fmt.Errorf("map %s: %w", f.Name(), errInvalid)
	}
	buf := newHeapBuffer(length)
	n, err := ReadAt(f, buf.data, offset)
	if err == nil && n < length {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		buf.Release()
		return nil, fmt.Errorf("read %s: %w", f.Name(), err)
	}
	return buf, nil
}

// ReadAt reads len(p) bytes from f at offset off. The current file
// position is saved and restored around the read; failing to restore it
// yields ErrPositionLost. Reaching end of file is not an error.
func ReadAt(f *os.File, p []byte, off int64) (int, error) {
	orig, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}

	var (
		acc     int
		readErr error
	)
	for len(p) > 0 {
		n, err := f.Read(p)
		acc += n
		p = p[n:]
		if errors.Is(err, io.EOF) || (err == nil && n == 0) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}

	if _, err := f.Seek(orig, io.SeekStart); err != nil {
		return acc, fmt.Errorf("%w: %v", ErrPositionLost, err)
	}
	return acc, readErr
}

// Dup reopens the file behind f by name. The result is independent of f.
func Dup(f *os.File) (*File, error) {
	nf, err := os.Open(f.Name())
	if err != nil {
		return nil, err
	}
	return newFile(nf), nil
}
