package nest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/meigma/nest/internal/pathutil"
)

// folderFormat lists the immediate children of a directory on disk.
type folderFormat struct {
	root string
}

func (f *folderFormat) kind() Kind { return KindFolder }

func (f *folderFormat) list(ctx context.Context, _ bool) ([]*Entry, error) {
	dirEntries, err := os.ReadDir(f.root)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(dirEntries))
	for i, de := range dirEntries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := de.Info()
		if err != nil {
			// removed while listing
			continue
		}
		e := newEntry(i, de.Name(), info.Size(), info.ModTime())
		if info.IsDir() {
			e.dir = true
			e.size = -1
		}
		e.sysPath = filepath.Join(f.root, de.Name())
		e.real = true
		out = append(out, e)
	}
	return out, nil
}

func (f *folderFormat) open(_ context.Context, e *Entry, _ bool) (io.ReadCloser, error) {
	return os.Open(e.sysPath)
}

func (f *folderFormat) preExtractable() bool { return false }

func (f *folderFormat) preExtract(context.Context, func(int) *Entry, sinkFunc) error {
	return nil
}

func (f *folderFormat) unlock() {}

func (f *folderFormat) close() error { return nil }

func (f *folderFormat) canDelete(entries []*Entry) bool {
	for _, e := range entries {
		if !e.real {
			return false
		}
	}
	return true
}

func (f *folderFormat) delete(ctx context.Context, entries, _ []*Entry) (DeleteResult, error) {
	var errs []error
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return DeleteDone, err
		}
		var err error
		if e.dir {
			err = os.RemoveAll(e.sysPath)
		} else {
			err = os.Remove(e.sysPath)
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return DeleteDone, errors.Join(errs...)
}

func (f *folderFormat) canRename(e *Entry) bool { return e.real }

func (f *folderFormat) rename(_ context.Context, e *Entry, name string, _ []*Entry) error {
	dest := pathutil.Join(f.root, name)
	if _, err := os.Lstat(dest); err == nil {
		return fmt.Errorf("%s: %w", dest, fs.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.Rename(e.sysPath, dest)
}
