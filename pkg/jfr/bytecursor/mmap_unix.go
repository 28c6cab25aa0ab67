//go:build unix

package bytecursor

import (
	"fmt"
	"math"
	"os"

	"golang.org/x/sys/unix"
)

// Open maps the file at path read-only. Files larger than spliceSize are
// mapped as several splices; spliceSize is rounded up to the page size.
func Open(path string, spliceSize int64) (*Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size == 0 {
		return FromBytes(nil), nil
	}
	spliceSize = alignSplice(spliceSize)
	if spliceSize > math.MaxInt {
		spliceSize = alignSplice(math.MaxInt32)
	}

	count := (size + spliceSize - 1) / spliceSize
	segs := make([][]byte, 0, count)
	unmapAll := func() {
		for _, s := range segs {
			_ = unix.Munmap(s)
		}
	}
	for off := int64(0); off < size; off += spliceSize {
		n := min(spliceSize, size-off)
		mem, err := unix.Mmap(int(f.Fd()), off, int(n), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			unmapAll()
			return nil, fmt.Errorf("mmap %s at %d: %w", path, off, err)
		}
		// Advisory only.
		_ = unix.Madvise(mem, unix.MADV_SEQUENTIAL)
		segs = append(segs, mem)
	}
	return newSegmented(segs, spliceSize, size, unix.Munmap), nil
}

func alignSplice(n int64) int64 {
	page := int64(os.Getpagesize())
	if n <= 0 {
		n = DefaultSpliceSize
	}
	return (n + page - 1) / page * page
}
