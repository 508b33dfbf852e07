//go:build unix

package rawio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var errInvalid = unix.EINVAL

const mmapSupported = true

func allocMapped(size int) (*Buffer, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d anonymous bytes: %w", size, err)
	}
	return newMappedBuffer(data), nil
}

func unmap(data []byte) error {
	return unix.Munmap(data)
}

func protect(data []byte) {
	_ = unix.Mprotect(data, unix.PROT_READ)
}

// MapFile returns a private read-only mapping of length bytes of f starting
// at offset. The offset must be page aligned. Files the kernel refuses to
// map are copied into a heap buffer instead.
func MapFile(f *os.File, offset int64, length int) (*Buffer, error) {
	if length < 0 || offset < 0 {
		return nil, fmt.Errorf("map %s: %w", f.Name(), errInvalid)
	}
	if length == 0 {
		return newHeapBuffer(0), nil
	}

	data, err := unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ, unix.MAP_PRIVATE)
	if err == nil {
		return newMappedBuffer(data), nil
	}
	if !errors.Is(err, unix.ENODEV) {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}
	return copyFile(f, offset, length)
}

func copyFile(f *os.File, offset int64, length int) (*Buffer, error) {
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

// ReadAt reads len(p) bytes from f at offset off without moving the file
// position. Interrupted reads are retried. Reaching end of file is not an
// error: the number of bytes read so far is returned.
func ReadAt(f *os.File, p []byte, off int64) (int, error) {
	fd := int(f.Fd())

	var acc int
	for len(p) > 0 {
		n, err := unix.Pread(fd, p, off)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return acc, err
		}
		if n == 0 {
			break
		}
		acc += n
		off += int64(n)
		p = p[n:]
	}
	return acc, nil
}

// Dup duplicates the descriptor behind f. The duplicate is independent of
// f: closing one leaves the other open.
func Dup(f *os.File) (*File, error) {
	nfd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	unix.CloseOnExec(nfd)
	return newFile(os.NewFile(uintptr(nfd), f.Name())), nil
}
