package extract

import (
	"bytes"
	"io"
)

// Committer is a writer that can be committed or discarded.
//
// Implementations stage writes until Commit is called. Exactly one of
// Commit or Discard must be called.
type Committer interface {
	io.Writer

	// Commit finalizes the write, making content available.
	Commit() error

	// Discard aborts the write and cleans up any temporary resources.
	Discard() error
}

// PublishFunc receives the payload of a committed write.
type PublishFunc func(*Payload)

// Policy decides between memory and temp-file destinations.
type Policy struct {
	// MemoryLimit is the largest entry kept in memory.
	MemoryLimit int64

	// ForceFile reports names that must always be written to a file,
	// such as nested archives that decoders can only open by path.
	ForceFile func(name string) bool
}

// UseFile reports whether an entry of the given name and size goes to a file.
// Unknown sizes (< 0) go to a file.
func (p Policy) UseFile(name string, size int64) bool {
	if p.ForceFile != nil && p.ForceFile(name) {
		return true
	}
	return size < 0 || size > p.MemoryLimit
}

// memoryCommitter buffers content and publishes it as bytes on Commit.
type memoryCommitter struct {
	buf     bytes.Buffer
	publish PublishFunc
	done    bool
}

// NewMemoryWriter returns a Committer that buffers content in memory.
// sizeHint pre-sizes the buffer when known.
func NewMemoryWriter(sizeHint int64, publish PublishFunc) Committer {
	c := &memoryCommitter{publish: publish}
	if sizeHint > 0 && sizeHint <= 1<<30 {
		c.buf.Grow(int(sizeHint))
	}
	return c
}

// Write implements io.Writer.
func (c *memoryCommitter) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

// Commit publishes the buffered bytes.
func (c *memoryCommitter) Commit() error {
	if c.done {
		return nil
	}
	c.done = true
	if c.publish != nil {
		c.publish(BytesPayload(c.buf.Bytes()))
	}
	return nil
}

// Discard drops the buffer.
func (c *memoryCommitter) Discard() error {
	c.done = true
	c.buf = bytes.Buffer{}
	return nil
}
