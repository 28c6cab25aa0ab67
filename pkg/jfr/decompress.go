package jfr

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type compression int

const (
	uncompressed compression = iota
	compressedGzip
	compressedZstd
)

func (c compression) String() string {
	switch c {
	case compressedGzip:
		return "gzip"
	case compressedZstd:
		return "zstd"
	default:
		return "none"
	}
}

// detectCompression looks at the magic bytes of head.
func detectCompression(head []byte) compression {
	if len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b {
		return compressedGzip
	}
	if len(head) >= 4 && head[0] == 0x28 && head[1] == 0xb5 && head[2] == 0x2f && head[3] == 0xfd {
		return compressedZstd
	}
	return uncompressed
}

func decompressor(kind compression, r io.Reader) (io.ReadCloser, error) {
	switch kind {
	case compressedGzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		return gr, nil
	case compressedZstd:
		zr, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return io.NopCloser(r), nil
	}
}

// decompressBytes inflates data if it is compressed.
func decompressBytes(data []byte) ([]byte, error) {
	kind := detectCompression(data)
	if kind == uncompressed {
		return data, nil
	}
	r, err := decompressor(kind, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress %s data: %w", kind, err)
	}
	return out, nil
}

// spool inflates the compressed recording at path into a temporary file in
// dir and returns its name. An empty name is returned for uncompressed
// files.
func spool(path, dir string) (name string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	kind := detectCompression(head[:n])
	if kind == uncompressed {
		return "", nil
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	r, err := decompressor(kind, f)
	if err != nil {
		return "", err
	}
	defer r.Close()

	out, err := os.CreateTemp(dir, "jfr-*.jfr")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()
	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("decompress %s recording: %w", kind, err)
	}
	if err = out.Close(); err != nil {
		return "", err
	}
	return out.Name(), nil
}
