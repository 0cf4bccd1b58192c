package nest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meigma/nest/internal/native"
	"github.com/meigma/nest/internal/temp"
	"github.com/meigma/nest/internal/ziprewrite"
)

// formatEnv carries what a format needs from its manager. It never holds
// the Archive.
type formatEnv struct {
	kind       Kind
	key        string
	source     string
	nested     bool
	cfg        *Config
	keyring    *keyring
	family     *native.Family
	rewriter   *ziprewrite.Engine
	renderer   PageRenderer
	plugins    *PluginRegistry
	pluginName string
	dir        *temp.Dir
	logger     *slog.Logger
}

func newFormat(env *formatEnv) (format, error) {
	switch env.kind {
	case KindFolder:
		return &folderFormat{root: env.source}, nil
	case KindZip:
		return newZipFormat(env), nil
	case KindSevenZip:
		return newSevenZipFormat(env), nil
	case KindPdf:
		return newPdfFormat(env), nil
	case KindPlugin:
		return newPluginFormat(env)
	case KindMedia:
		return &mediaFormat{path: env.source, name: filepath.Base(env.key), real: !env.nested}, nil
	case KindPlaylist:
		return &playlistFormat{path: env.source}, nil
	default:
		return nil, fmt.Errorf("nest: %s: no format for kind %s: %w", env.key, env.kind, ErrNotSupported)
	}
}

// buffer reads r completely so the decoder can be released before the
// caller consumes the stream. Small entries stay in memory; others go to a
// temp file that is deleted on Close.
func (env *formatEnv) buffer(ctx context.Context, r io.Reader, e *Entry) (io.ReadCloser, error) {
	if e.size >= 0 && e.size <= env.cfg.PreExtractMemoryLimit {
		var buf bytes.Buffer
		buf.Grow(int(e.size))
		if _, err := copyContext(ctx, &buf, r); err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(buf.Bytes())), nil
	}

	dir, err := env.dir.Ensure()
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(dir, "stream-*")
	if err != nil {
		return nil, err
	}
	fail := func(err error) (io.ReadCloser, error) {
		f.Close()           //nolint:errcheck // best-effort cleanup
		os.Remove(f.Name()) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	if _, err := copyContext(ctx, f, r); err != nil {
		return fail(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fail(err)
	}
	return &tempStream{File: f}, nil
}

// tempStream deletes its file on Close.
type tempStream struct {
	*os.File
}

func (t *tempStream) Close() error {
	err := t.File.Close()
	if rerr := os.Remove(t.Name()); err == nil {
		err = rerr
	}
	return err
}
