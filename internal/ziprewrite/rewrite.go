package ziprewrite

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/zip"
)

// ErrInvalidName is returned for rename targets that are empty or escape
// the archive root.
var ErrInvalidName = errors.New("ziprewrite: invalid entry name")

// OpKind is the kind of an edit.
type OpKind uint8

const (
	OpDelete OpKind = iota
	OpRename
)

// Target identifies zip entries by content rather than position, since
// positions shift after every edit.
type Target struct {
	// Name is the raw entry name as stored in the zip, without a trailing
	// slash for directories.
	Name string

	// Size is the uncompressed size. Negative sizes are not compared.
	Size int64

	// Modified is compared when non-zero.
	Modified time.Time

	// Dir selects Name and every entry below it.
	Dir bool
}

// Op is one edit.
type Op struct {
	Kind   OpKind
	Target Target

	// NewName is the new raw name for OpRename. For a directory target the
	// prefix is replaced on every entry below it.
	NewName string
}

// Delete returns a delete operation.
func Delete(t Target) Op {
	return Op{Kind: OpDelete, Target: t}
}

// Rename returns a rename operation.
func Rename(t Target, newName string) Op {
	return Op{Kind: OpRename, Target: t, NewName: newName}
}

// match reports whether the zip entry name (trimmed of its trailing slash)
// is selected by t.
func (t Target) match(f *zip.File) bool {
	name := entryName(f.Name)
	if t.Dir {
		return name == t.Name || strings.HasPrefix(name, t.Name+"/")
	}
	if name != t.Name || f.FileInfo().IsDir() {
		return false
	}
	if t.Size >= 0 && f.UncompressedSize64 != uint64(t.Size) {
		return false
	}
	if !t.Modified.IsZero() && !f.Modified.Equal(t.Modified) {
		return false
	}
	return true
}

func entryName(name string) string {
	return strings.TrimSuffix(strings.ReplaceAll(name, "\\", "/"), "/")
}

type rewriteStats struct {
	deleted int
	renamed int
}

// rewrite applies ops to the zip at src and returns the path of a new
// temporary file holding the result. Unchanged entries are copied raw.
func rewrite(ctx context.Context, src string, ops []Op) (string, rewriteStats, error) {
	var stats rewriteStats
	for _, op := range ops {
		if op.Kind == OpRename && !validName(op.NewName) {
			return "", stats, fmt.Errorf("%w: %q", ErrInvalidName, op.NewName)
		}
	}

	r, err := zip.OpenReader(src)
	if err != nil {
		return "", stats, fmt.Errorf("ziprewrite: open %s: %w", src, err)
	}
	defer r.Close()

	out, err := createSibling(src)
	if err != nil {
		return "", stats, err
	}
	fail := func(err error) (string, rewriteStats, error) {
		out.Close()           //nolint:errcheck // best-effort cleanup
		os.Remove(out.Name()) //nolint:errcheck // best-effort cleanup
		return "", stats, err
	}

	zw := zip.NewWriter(out)
	if r.Comment != "" {
		if err := zw.SetComment(r.Comment); err != nil {
			return fail(err)
		}
	}
	for _, f := range r.File {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		deleted, newName := plan(f, ops)
		switch {
		case deleted:
			stats.deleted++
			continue
		case newName != "":
			stats.renamed++
			if err := copyRenamed(zw, f, newName); err != nil {
				return fail(fmt.Errorf("ziprewrite: rename %s: %w", f.Name, err))
			}
		default:
			if err := zw.Copy(f); err != nil {
				return fail(fmt.Errorf("ziprewrite: copy %s: %w", f.Name, err))
			}
		}
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name()) //nolint:errcheck // best-effort cleanup
		return "", stats, err
	}
	return out.Name(), stats, nil
}

// plan decides what happens to f. Deletes win over renames; the first
// matching rename applies.
func plan(f *zip.File, ops []Op) (deleted bool, newName string) {
	for _, op := range ops {
		if op.Kind == OpDelete && op.Target.match(f) {
			return true, ""
		}
	}
	for _, op := range ops {
		if op.Kind != OpRename || !op.Target.match(f) {
			continue
		}
		name := entryName(f.Name)
		renamed := entryName(op.NewName)
		if op.Target.Dir && name != op.Target.Name {
			renamed += name[len(op.Target.Name):]
		}
		if strings.HasSuffix(f.Name, "/") {
			renamed += "/"
		}
		return false, renamed
	}
	return false, ""
}

// copyRenamed copies the compressed bytes of f under a new header name.
func copyRenamed(zw *zip.Writer, f *zip.File, name string) error {
	raw, err := f.OpenRaw()
	if err != nil {
		return err
	}
	fh := f.FileHeader
	fh.Name = name
	fh.NonUTF8 = false
	if !isASCII(name) && utf8.ValidString(name) {
		fh.Flags |= 0x800
	}
	w, err := zw.CreateRaw(&fh)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, raw)
	return err
}

func validName(name string) bool {
	name = entryName(name)
	if name == "" || strings.HasPrefix(name, "/") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// createSibling creates an exclusive temporary file next to path so the
// final rename stays on one filesystem.
func createSibling(path string) (*os.File, error) {
	dir := filepath.Dir(path)
	for range 10 {
		var b [8]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, err
		}
		name := filepath.Join(dir, ".nest-rewrite-"+hex.EncodeToString(b[:])+".tmp")
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("ziprewrite: create temp: %w", err)
		}
	}
	return nil, fmt.Errorf("ziprewrite: create temp in %s: %w", dir, os.ErrExist)
}

// copyContext copies src to dst in chunks, stopping when ctx is done.
func copyContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256<<10)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			n += int64(nw)
			if werr != nil {
				return n, werr
			}
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}
