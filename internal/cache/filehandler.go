package cache

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileHandler reads and writes one key or hook object. The cache wraps
// the streams in gzip, so handlers see plain data.
type FileHandler[T any] interface {
	Read(r io.Reader) (T, error)
	Write(w io.Writer, v T) error
}

// writeData stores v compressed at path and returns the file size. The
// data goes to a temporary file that is renamed over path, so readers
// never see a partial object.
func writeData[T any](path string, fh FileHandler[T], v T) (int64, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()

	size, err := encodeTo(f, fh, v)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("encode %s: %w", path, err)
	}
	return size, nil
}

func encodeTo[T any](f *os.File, fh FileHandler[T], v T) (int64, error) {
	zw := gzip.NewWriter(f)
	if err := fh.Write(zw, v); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// readData loads a compressed object from path.
func readData[T any](path string, fh FileHandler[T]) (T, error) {
	var zero T

	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", path, err)
	}
	defer zr.Close()

	v, err := fh.Read(zr)
	if err != nil {
		return zero, fmt.Errorf("decode %s: %w", path, err)
	}
	return v, nil
}
