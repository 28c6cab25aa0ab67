//go:build !unix

package bytecursor

import (
	"math"
	"os"
)

// Open reads the file at path into memory. Platforms without mmap support
// still get the spliced layout so that reads behave identically.
func Open(path string, spliceSize int64) (*Buffer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if spliceSize <= 0 || spliceSize > math.MaxInt32 {
		spliceSize = DefaultSpliceSize
	}
	return Segmented(b, int(spliceSize))
}
