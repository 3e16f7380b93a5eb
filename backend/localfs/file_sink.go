package localfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Sink is a byte addressable output for reassembled data. *os.File satisfies it.
type Sink interface {
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// SinkOpener creates the output for a destination path.
type SinkOpener func(path string) (Sink, error)

// OpenSink creates any missing parent directories and opens path for writing,
// discarding previous contents.
func OpenSink(path string) (Sink, error) {
	if path == "" {
		return nil, errors.New("destination path is required")
	}
	if err := EnsureParentDir(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." || dir == "/" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
