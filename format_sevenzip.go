package nest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"

	"github.com/bodgit/sevenzip"

	"github.com/meigma/nest/internal/native"
	"github.com/meigma/nest/internal/pathutil"
	"github.com/meigma/nest/internal/sizing"
)

// sevenZipFormat reads 7z archives. Multi-file archives are treated as
// solid and read through pre-extraction, since decoding one entry of a
// solid block means decoding everything before it.
type sevenZipFormat struct {
	env   *formatEnv
	acc   *native.Accessor[*sevenzip.ReadCloser]
	solid atomic.Bool
}

func newSevenZipFormat(env *formatEnv) *sevenZipFormat {
	path := env.source
	open := func(password string) (*sevenzip.ReadCloser, error) {
		return sevenzip.OpenReaderWithPassword(path, password)
	}
	f := &sevenZipFormat{env: env}
	f.acc = native.New[*sevenzip.ReadCloser](env.family, open,
		native.WithPasswordCheck(isSevenZipPasswordError),
		native.WithKeyring(env.keyring),
		native.WithLogger(env.logger),
	)
	return f
}

func isSevenZipPasswordError(err error) bool {
	var re *sevenzip.ReadError
	if errors.As(err, &re) && re.Encrypted {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypted")
}

func (f *sevenZipFormat) isPasswordError(err error) bool { return isSevenZipPasswordError(err) }

func (f *sevenZipFormat) kind() Kind { return KindSevenZip }

func (f *sevenZipFormat) list(ctx context.Context, decrypt bool) ([]*Entry, error) {
	var out []*Entry
	err := f.acc.Do(ctx, decrypt, func(r *sevenzip.ReadCloser) error {
		out = make([]*Entry, 0, len(r.File))
		files := 0
		for i, file := range r.File {
			dir := file.FileInfo().IsDir()
			size := sizing.Clamp(file.UncompressedSize)
			if dir {
				size = -1
			} else {
				files++
			}
			e := newEntry(i, pathutil.Normalize(file.Name), size, file.Modified)
			e.created = file.Created
			e.dir = dir
			out = append(out, e)
		}
		f.solid.Store(files >= 2)
		return nil
	})
	return out, err
}

func (f *sevenZipFormat) open(ctx context.Context, e *Entry, decrypt bool) (io.ReadCloser, error) {
	var stream io.ReadCloser
	err := f.acc.Do(ctx, decrypt, func(r *sevenzip.ReadCloser) error {
		if e.id >= len(r.File) {
			return ErrNotFound
		}
		rc, err := r.File[e.id].Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		stream, err = f.env.buffer(ctx, rc, e)
		return err
	})
	return stream, err
}

func (f *sevenZipFormat) preExtractable() bool { return f.solid.Load() }

func (f *sevenZipFormat) preExtract(ctx context.Context, byID func(int) *Entry, sink sinkFunc) error {
	return f.acc.Do(ctx, true, func(r *sevenzip.ReadCloser) error {
		for i, file := range r.File {
			if err := ctx.Err(); err != nil {
				return err
			}
			e := byID(i)
			if e == nil {
				continue
			}
			if err := extractOne(ctx, e, file.Open, sink); err != nil {
				return err
			}
		}
		return nil
	})
}

func (f *sevenZipFormat) unlock() { f.acc.Unlock() }

func (f *sevenZipFormat) close() error { return f.acc.Close() }

// extractOne copies one decoded entry into its sink and commits it.
func extractOne(ctx context.Context, e *Entry, open func() (io.ReadCloser, error), sink sinkFunc) error {
	w, err := sink(e)
	if err != nil {
		return err
	}
	rc, err := open()
	if err != nil {
		w.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	_, err = copyContext(ctx, w, rc)
	rc.Close() //nolint:errcheck // read-only
	if err != nil {
		w.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	return w.Commit()
}
