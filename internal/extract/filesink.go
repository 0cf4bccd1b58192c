package extract

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOption configures a destination file writer.
type FileOption func(*fileOptions)

type fileOptions struct {
	overwrite bool
	modTime   time.Time
}

// WithOverwrite allows replacing an existing destination file.
// By default an existing file makes NewDestWriter fail with fs.ErrExist.
func WithOverwrite(overwrite bool) FileOption {
	return func(o *fileOptions) {
		o.overwrite = overwrite
	}
}

// WithModTime stamps the committed file with the given modification time.
// The zero time leaves the current time in place.
func WithModTime(t time.Time) FileOption {
	return func(o *fileOptions) {
		o.modTime = t
	}
}

// NewFileWriter returns a Committer that writes into a new, uniquely named
// file inside dir. The base of name is kept as the file's suffix. On Commit
// the file is published as a FilePayload.
func NewFileWriter(dir, name string, publish PublishFunc) (Committer, error) {
	suffix, err := randomSuffix()
	if err != nil {
		return nil, err
	}
	final := suffix + "-" + safeBase(name)
	c, err := newFileCommitter(dir, final, fileOptions{})
	if err != nil {
		return nil, err
	}
	c.publish = publish
	return c, nil
}

// NewDestWriter returns a Committer that writes to dest via a temp file in
// the same directory and renames it into place on Commit.
func NewDestWriter(dest string, opts ...FileOption) (Committer, error) {
	var o fileOptions
	for _, opt := range opts {
		opt(&o)
	}
	if !o.overwrite {
		if _, err := os.Stat(dest); err == nil {
			return nil, &fs.PathError{Op: "extract", Path: dest, Err: fs.ErrExist}
		}
	}
	return newFileCommitter(filepath.Dir(dest), filepath.Base(dest), o)
}

// fileCommitter writes to a temp file and renames on Commit.
type fileCommitter struct {
	destPath string
	destRel  string
	tempFile *os.File
	tempRel  string
	root     *os.Root
	opts     fileOptions
	publish  PublishFunc
}

func newFileCommitter(dir, destRel string, o fileOptions) (*fileCommitter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("open destination root %s: %w", dir, err)
	}
	tempFile, tempRel, err := createTempFile(root, ".nest-part-")
	if err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &fileCommitter{
		destPath: filepath.Join(dir, destRel),
		destRel:  destRel,
		tempFile: tempFile,
		tempRel:  tempRel,
		root:     root,
		opts:     o,
	}, nil
}

// Write implements io.Writer.
func (c *fileCommitter) Write(p []byte) (int, error) {
	return c.tempFile.Write(p)
}

// Commit closes the temp file, applies metadata, and renames to final path.
func (c *fileCommitter) Commit() error {
	if err := c.tempFile.Close(); err != nil {
		c.abort()
		return fmt.Errorf("close temp file: %w", err)
	}

	if !c.opts.modTime.IsZero() {
		if err := c.root.Chtimes(c.tempRel, c.opts.modTime, c.opts.modTime); err != nil {
			c.abort()
			return fmt.Errorf("chtimes: %w", err)
		}
	}

	if !c.opts.overwrite {
		if _, err := c.root.Stat(c.destRel); err == nil {
			c.abort()
			return &fs.PathError{Op: "extract", Path: c.destPath, Err: fs.ErrExist}
		}
	}

	if err := c.root.Rename(c.tempRel, c.destRel); err != nil {
		c.abort()
		return fmt.Errorf("rename to %s: %w", c.destPath, err)
	}

	_ = c.root.Close() //nolint:errcheck // best-effort cleanup
	if c.publish != nil {
		c.publish(FilePayload(c.destPath))
	}
	return nil
}

// Discard closes and removes the temp file.
func (c *fileCommitter) Discard() error {
	_ = c.tempFile.Close() //nolint:errcheck // we're cleaning up
	if err := c.root.Remove(c.tempRel); err != nil {
		_ = c.root.Close() //nolint:errcheck // best-effort cleanup
		return err
	}
	return c.root.Close()
}

func (c *fileCommitter) abort() {
	_ = c.root.Remove(c.tempRel) //nolint:errcheck // best-effort cleanup
	_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
}

func createTempFile(root *os.Root, prefix string) (*os.File, string, error) {
	const attempts = 10
	for range attempts {
		name, err := randomSuffix()
		if err != nil {
			return nil, "", err
		}
		relPath := prefix + name
		f, err := root.OpenFile(relPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, relPath, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", errors.New("create temp file: exhausted retries")
}

func randomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// safeBase reduces an archive entry name to a single file name element.
func safeBase(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "entry"
	}
	return name
}
