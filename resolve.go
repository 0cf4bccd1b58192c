package nest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Location is the result of Resolve: an entry and the chain of archives
// leading to it, outermost first. Keeping the Location keeps the archives
// alive.
type Location struct {
	Entry    *Entry
	Archives []*Archive
}

// Archive returns the archive holding Entry, or nil for real files.
func (l *Location) Archive() *Archive {
	if len(l.Archives) == 0 || l.Entry.real {
		return nil
	}
	return l.Archives[len(l.Archives)-1]
}

// Open returns a stream over the content of Entry.
func (l *Location) Open(ctx context.Context) (io.ReadCloser, error) {
	if a := l.Archive(); a != nil {
		return a.Open(ctx, l.Entry, true)
	}
	if l.Entry.dir {
		return nil, pathError("open", l.Entry.sysPath, ErrNotSupported)
	}
	return os.Open(l.Entry.sysPath)
}

// Resolve finds the entry named by path, which may cross archive
// boundaries, as in "/books/a.zip/inner.7z/p1.jpg". Each archive on the way
// is opened through the cache. A media file swallows any segments after it.
// Archives whose entry names are encrypted are listed with decryption, so
// the password prompter may be asked for a key.
func (m *Manager) Resolve(ctx context.Context, path string) (*Location, error) {
	if m.closed.Load() {
		return nil, ErrDisposed
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("nest: resolve %s: %w", path, err)
	}

	onDisk, rest, err := splitExisting(abs)
	if err != nil {
		return nil, pathError("resolve", abs, err)
	}
	e, err := NewFileEntry(onDisk)
	if err != nil {
		return nil, pathError("resolve", abs, err)
	}
	loc := &Location{Entry: e}
	if len(rest) == 0 && (e.dir || m.detectName(e.name, KindNone) != KindMedia) {
		return loc, nil
	}
	if e.dir {
		return nil, pathError("resolve", abs, ErrNotFound)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := m.CreateArchive(ctx, loc.Entry)
		if errors.Is(err, ErrNotSupported) {
			return nil, pathError("resolve", abs, ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		loc.Archives = append(loc.Archives, a)

		if a.Kind() == KindMedia {
			entries, err := a.Entries(ctx, false)
			if err != nil {
				return nil, err
			}
			if len(entries) == 0 {
				return nil, pathError("resolve", abs, ErrNotFound)
			}
			loc.Entry = entries[0]
			return loc, nil
		}
		if len(rest) == 0 {
			// The path names the archive itself.
			return loc, nil
		}

		next, remaining, err := descend(ctx, a, rest)
		if err != nil {
			return nil, pathError("resolve", abs, err)
		}
		loc.Entry = next
		if len(remaining) == 0 && m.detectName(next.name, KindNone) != KindMedia {
			return loc, nil
		}
		if next.dir {
			return nil, pathError("resolve", abs, ErrNotFound)
		}
		rest = remaining
	}
}

// descend finds the shortest run of leading segments naming an entry of a
// that is either the last segment or a file that may be an archive.
func descend(ctx context.Context, a *Archive, segs []string) (*Entry, []string, error) {
	for i := 1; i <= len(segs); i++ {
		name := strings.Join(segs[:i], "/")
		e, err := a.lookup(ctx, name, true)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if i == len(segs) || !e.dir {
			return e, segs[i:], nil
		}
	}
	return nil, nil, ErrNotFound
}

// splitExisting splits abs into its longest prefix that exists on disk and
// the remaining segments.
func splitExisting(abs string) (string, []string, error) {
	var rest []string
	cur := abs
	for {
		// Stat fails with ENOTDIR below a file, so any error moves up.
		if _, err := os.Lstat(cur); err == nil {
			return cur, rest, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", nil, ErrNotFound
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
