package streamutil

import (
	"io"
)

// DefaultChunkSize is the part size used when re-buffering streams for
// multipart upload. S3-compatible backends require all parts except the
// last to be at least 5 MiB.
const DefaultChunkSize = 6 * 1024 * 1024

// Rechunker re-buffers an arbitrary byte stream into pieces of a fixed
// target size. Every piece returned by Next is exactly size bytes long
// except possibly the last: the rechunker keeps reading the source
// until a full piece is ready or EOF is seen, and emits the trailing
// partial piece (if non-empty) on EOF.
type Rechunker struct {
	r    io.Reader
	buf  []byte
	done bool
}

// NewRechunker returns a Rechunker emitting pieces of the given size
// from r. If size is <= 0, DefaultChunkSize is used.
func NewRechunker(r io.Reader, size int) *Rechunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Rechunker{
		r:   r,
		buf: make([]byte, size),
	}
}

// Next returns the next piece of the stream. The returned slice is
// only valid until the following call to Next. It returns io.EOF once
// the source is exhausted; any other error is an error from the source.
func (c *Rechunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}
	n, err := io.ReadFull(c.r, c.buf)
	switch err {
	case nil:
		return c.buf, nil
	case io.ErrUnexpectedEOF:
		c.done = true
		return c.buf[:n], nil
	case io.EOF:
		c.done = true
		return nil, io.EOF
	default:
		c.done = true
		return nil, err
	}
}
