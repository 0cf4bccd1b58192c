package nest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/meigma/nest/internal/charset"
	"github.com/meigma/nest/internal/native"
	"github.com/meigma/nest/internal/pathutil"
	"github.com/meigma/nest/internal/sizing"
	"github.com/meigma/nest/internal/ziprewrite"
)

// zipFormat reads zip files with random access and edits them through the
// rewrite engine.
type zipFormat struct {
	path     string
	encoding string
	acc      *native.Accessor[*zip.ReadCloser]
	rewriter *ziprewrite.Engine
}

func newZipFormat(env *formatEnv) *zipFormat {
	path := env.source
	open := func(string) (*zip.ReadCloser, error) {
		r, err := zip.OpenReader(path)
		if errors.Is(err, zip.ErrFormat) {
			return nil, fmt.Errorf("%w: %w", ErrFormatMismatch, err)
		}
		return r, err
	}
	return &zipFormat{
		path:     path,
		encoding: env.cfg.ZipEncoding,
		acc:      native.New[*zip.ReadCloser](nil, open, native.WithLogger(env.logger)),
		rewriter: env.rewriter,
	}
}

func (z *zipFormat) kind() Kind { return KindZip }

func (z *zipFormat) list(ctx context.Context, _ bool) ([]*Entry, error) {
	var out []*Entry
	err := z.acc.Do(ctx, false, func(r *zip.ReadCloser) error {
		out = make([]*Entry, 0, len(r.File))
		for i, f := range r.File {
			out = append(out, z.entry(i, f))
		}
		return nil
	})
	return out, err
}

func (z *zipFormat) entry(id int, f *zip.File) *Entry {
	name := f.Name
	if f.Flags&0x800 == 0 {
		if decoded, err := charset.Decode(f.Name, z.encoding); err == nil {
			name = decoded
		}
	}
	dir := f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/")
	size := sizing.Clamp(f.UncompressedSize64)
	if dir {
		size = -1
	}
	e := newEntry(id, pathutil.Normalize(name), size, f.Modified)
	e.raw = rawZipName(f.Name)
	e.dir = dir
	e.encrypted = f.Flags&0x1 != 0
	return e
}

func rawZipName(name string) string {
	return strings.TrimSuffix(strings.ReplaceAll(name, "\\", "/"), "/")
}

func (z *zipFormat) open(ctx context.Context, e *Entry, _ bool) (io.ReadCloser, error) {
	if e.encrypted {
		return nil, fmt.Errorf("encrypted zip entry: %w", ErrNotSupported)
	}
	var rc io.ReadCloser
	err := z.acc.Do(ctx, false, func(r *zip.ReadCloser) error {
		if e.id >= len(r.File) || rawZipName(r.File[e.id].Name) != e.raw {
			return ErrNotFound
		}
		var err error
		rc, err = r.File[e.id].Open()
		return err
	})
	return rc, err
}

func (z *zipFormat) preExtractable() bool { return false }

func (z *zipFormat) preExtract(context.Context, func(int) *Entry, sinkFunc) error {
	return nil
}

func (z *zipFormat) unlock() { z.acc.Unlock() }

func (z *zipFormat) close() error { return z.acc.Close() }

func (z *zipFormat) canDelete([]*Entry) bool { return z.rewriter != nil }

func (z *zipFormat) delete(ctx context.Context, entries, all []*Entry) (DeleteResult, error) {
	ops := make([]ziprewrite.Op, 0, len(entries))
	for _, e := range entries {
		ops = append(ops, ziprewrite.Delete(z.target(e, all)))
	}
	status, err := z.rewriter.Submit(ctx, z.path, ops)
	if err != nil {
		return DeleteDone, z.rewriteError(err)
	}
	if status == ziprewrite.StatusQueued {
		return DeleteQueued, nil
	}
	return DeleteDone, nil
}

func (z *zipFormat) canRename(*Entry) bool { return z.rewriter != nil }

func (z *zipFormat) rename(ctx context.Context, e *Entry, name string, all []*Entry) error {
	_, err := z.rewriter.Submit(ctx, z.path, []ziprewrite.Op{ziprewrite.Rename(z.target(e, all), name)})
	return z.rewriteError(err)
}

func (z *zipFormat) rewriteError(err error) error {
	if errors.Is(err, ziprewrite.ErrReplaceFailed) {
		return fmt.Errorf("%w: %w", ErrIOConflict, err)
	}
	return err
}

// target identifies e for the rewrite engine by raw name, size and time.
func (z *zipFormat) target(e *Entry, all []*Entry) ziprewrite.Target {
	if e.dir {
		return ziprewrite.Target{Name: rawDirName(e, all), Size: -1, Dir: true}
	}
	return ziprewrite.Target{Name: e.rawName(), Size: e.size, Modified: e.modified}
}

// rawDirName recovers the raw name of a synthesized directory from one of
// its descendants, since legacy encoded names differ from decoded ones.
func rawDirName(e *Entry, all []*Entry) string {
	if e.raw != "" {
		return e.raw
	}
	depth := pathutil.Depth(e.name)
	for _, c := range all {
		if c.raw == "" || !pathutil.IsUnder(c.name, e.name) {
			continue
		}
		parts := strings.Split(strings.Trim(c.raw, "/"), "/")
		if len(parts) >= depth {
			return strings.Join(parts[:depth], "/")
		}
	}
	return e.name
}
