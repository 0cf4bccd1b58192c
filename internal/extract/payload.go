// Package extract materializes entry content during pre-extraction and
// extraction to files.
//
// Decoded content is written through a Committer: in-memory committers
// collect bytes, file committers write to a temporary file in the target
// directory and rename it into place on Commit, so partially written
// content is never visible. A committed result is handed to the caller as
// a Payload.
package extract

import (
	"bytes"
	"io"
	"os"
)

// Payload is materialized entry content: either raw bytes or a file on disk.
// A Payload is immutable once published.
type Payload struct {
	data []byte
	path string
}

// BytesPayload wraps in-memory content.
func BytesPayload(data []byte) *Payload {
	return &Payload{data: data}
}

// FilePayload wraps content stored in a file.
func FilePayload(path string) *Payload {
	return &Payload{path: path}
}

// InMemory reports whether the content is held as bytes.
func (p *Payload) InMemory() bool {
	return p.path == ""
}

// Bytes returns the in-memory content, or nil for file payloads.
// The returned slice must not be modified.
func (p *Payload) Bytes() []byte {
	return p.data
}

// Path returns the backing file, or "" for in-memory payloads.
func (p *Payload) Path() string {
	return p.path
}

// Open returns a fresh reader over the content.
func (p *Payload) Open() (io.ReadCloser, error) {
	if p.InMemory() {
		return io.NopCloser(bytes.NewReader(p.data)), nil
	}
	return os.Open(p.path)
}
