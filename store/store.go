// Package store provides a goroutine safe key-value interface where values
// are streams instead of opaque byte slices. Streams let us hold large game
// archives and content objects without buffering them in memory.
//
// The FileSystem implementation is the one used by production depots. The
// Memory store is useful for testing, and the S3 store is for depots hosted
// on object storage.
package store

import (
	"io"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store is the basic stream based key-value store. Values are immutable
// once stored, but they may be deleted and then replaced with new content.
//
// Since the FileSystem store uses keys as file names, keys must not contain
// forbidden filesystem characters such as '/'. If you want stored files to
// carry an extension, include it in the key.
//
// Open() returns a ReadAtCloser instead of a ReadCloser so callers can wrap
// the stream with a zip reader directly.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only part of a Store. It allows listing the contents
// and retrieving data.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)
}

// NewReader converts an io.ReaderAt into an io.Reader. It is a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// a short read is not an error for an io.Reader
		err = nil
	}
	return
}
