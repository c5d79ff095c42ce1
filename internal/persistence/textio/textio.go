// Package textio opens text streams for the command line tools. Paths ending
// in ".zst" are zstd-compressed transparently and "-" means stdin/stdout.
package textio

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const Stdio = "-"

func compressed(path string) bool { return strings.HasSuffix(path, ".zst") }

type writeCloser struct {
	w      *bufio.Writer
	closes []io.Closer
}

func (c *writeCloser) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *writeCloser) Close() error {
	err := c.w.Flush()
	for _, cl := range c.closes {
		if e := cl.Close(); err == nil {
			err = e
		}
	}
	return err
}

// Create opens path for writing, creating parent directories.
func Create(path string) (io.WriteCloser, error) {
	if path == Stdio {
		return &writeCloser{w: bufio.NewWriterSize(os.Stdout, 128*1024)}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !compressed(path) {
		return &writeCloser{w: bufio.NewWriterSize(f, 128*1024), closes: []io.Closer{f}}, nil
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &writeCloser{w: bufio.NewWriterSize(enc, 128*1024), closes: []io.Closer{enc, f}}, nil
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// Open opens path for reading.
func Open(path string) (io.ReadCloser, error) {
	if path == Stdio {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !compressed(path) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return readCloser{Reader: dec, close: func() error {
		dec.Close()
		return f.Close()
	}}, nil
}
