// Package rawio provides the low level byte access used when opening CTF
// data: size-dependent allocation (heap or anonymous mapping), read-only
// file mappings with a copying fallback, positioned reads and descriptor
// duplication.
//
// Every acquisition is counted so callers can verify that a failed open
// released everything it acquired, see Outstanding.
package rawio

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// ErrPositionLost is returned when a seek-based positioned read could not
// restore the descriptor's original offset. The file position is undefined
// afterwards.
var ErrPositionLost = errors.New("file position could not be restored")

// Release tells how a Buffer's memory goes back to the system.
type Release uint8

const (
	// Heap buffers are left to the garbage collector.
	Heap Release = iota
	// Mapped buffers are unmapped.
	Mapped
)

func (r Release) String() string {
	switch r {
	case Heap:
		return "heap"
	case Mapped:
		return "mapped"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(r))
	}
}

// Buffer is a region of bytes that knows how to release itself.
type Buffer struct {
	data     []byte
	strategy Release
	released bool
}

// Bytes returns the buffer contents. The slice must not be used after
// Release.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the buffer length.
func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Strategy reports how the buffer will be released.
func (b *Buffer) Strategy() Release {
	return b.strategy
}

// Protect makes a mapping-backed buffer larger than a page read-only. It is
// best-effort: failures and heap buffers are ignored.
func (b *Buffer) Protect() {
	if b == nil || b.released || b.strategy != Mapped || len(b.data) <= PageSize() {
		return
	}
	protect(b.data)
}

// Release returns the buffer's memory. Calling it more than once, or on a
// nil buffer, does nothing.
func (b *Buffer) Release() error {
	if b == nil || b.released {
		return nil
	}
	b.released = true

	data := b.data
	b.data = nil
	switch b.strategy {
	case Mapped:
		stats.mapped.Add(-1)
		if err := unmap(data); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
	default:
		stats.heap.Add(-1)
	}
	return nil
}

func newHeapBuffer(size int) *Buffer {
	stats.heap.Add(1)
	return &Buffer{data: make([]byte, size), strategy: Heap}
}

func newMappedBuffer(data []byte) *Buffer {
	stats.mapped.Add(1)
	return &Buffer{data: data, strategy: Mapped}
}

var (
	pageSizeOnce sync.Once
	pageSize     int
)

// PageSize returns the system page size, the threshold above which Alloc
// maps memory instead of using the heap.
func PageSize() int {
	pageSizeOnce.Do(func() {
		pageSize = os.Getpagesize()
	})
	return pageSize
}

// Alloc returns a zeroed buffer of the given size. Sizes above PageSize are
// backed by an anonymous private mapping, smaller ones by the heap.
func Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, errInvalid)
	}
	if size > PageSize() {
		return allocMapped(size)
	}
	return newHeapBuffer(size), nil
}

// File is a duplicated descriptor. It is closed at most once.
type File struct {
	*os.File
	once sync.Once
	err  error
}

func newFile(f *os.File) *File {
	stats.files.Add(1)
	return &File{File: f}
}

// Close closes the duplicate. Subsequent calls return the first result.
func (f *File) Close() error {
	f.once.Do(func() {
		stats.files.Add(-1)
		f.err = f.File.Close()
	})
	return f.err
}

// Stats counts live acquisitions made through this package.
type Stats struct {
	Heap   int64
	Mapped int64
	Files  int64
}

var stats struct {
	heap   atomic.Int64
	mapped atomic.Int64
	files  atomic.Int64
}

// Outstanding returns the number of buffers and duplicated descriptors
// that have been acquired and not yet released.
func Outstanding() Stats {
	return Stats{
		Heap:   stats.heap.Load(),
		Mapped: stats.mapped.Load(),
		Files:  stats.files.Load(),
	}
}
