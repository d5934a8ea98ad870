// Package streamutil provides the byte-stream adaptors that sit in
// front of the object store: a reader that digests content as it flows
// through, and a rechunker that re-buffers arbitrary streams into the
// fixed part sizes demanded by multipart backends.
package streamutil

import (
	// go-digest resolves algorithms through the crypto registry; link
	// the hash implementations or Digester panics at run time.
	_ "crypto/sha256"
	_ "crypto/sha512"
	"io"

	"github.com/opencontainers/go-digest"
)

// DigestReader wraps a reader, updating a digester with every chunk
// that flows through and counting the bytes seen. The wrapped content
// is forwarded unchanged, so the digest of an incoming body can be
// computed while streaming it to the backend without buffering.
//
// The digester is owned exclusively by the reader; call Digest only
// after the source has been fully consumed.
type DigestReader struct {
	r        io.Reader
	digester digest.Digester
	n        int64
}

// NewDigestReader returns a DigestReader computing the digest of r's
// content with the given algorithm.
func NewDigestReader(r io.Reader, algorithm digest.Algorithm) *DigestReader {
	return &DigestReader{
		r:        r,
		digester: algorithm.Digester(),
	}
}

func (d *DigestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		// Hash.Write never returns an error.
		d.digester.Hash().Write(p[:n])
		d.n += int64(n)
	}
	return n, err
}

// BytesRead returns the number of bytes that have flowed through.
func (d *DigestReader) BytesRead() int64 {
	return d.n
}

// Digest returns the digest of the content seen so far.
func (d *DigestReader) Digest() digest.Digest {
	return d.digester.Digest()
}
