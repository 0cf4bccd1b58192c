package nest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"

	"github.com/meigma/nest/internal/native"
	"github.com/meigma/nest/internal/pathutil"
)

// errStopWalk ends a walk early once the wanted entry was handled.
var errStopWalk = errors.New("stop walk")

// pluginHandle is an open archive file and its decoder.
type pluginHandle struct {
	file      *os.File
	extractor archives.Extractor
}

func (h *pluginHandle) Close() error { return h.file.Close() }

// pluginFormat reads archives through github.com/mholt/archives. Entries
// are addressed by their position in the archive's walk order.
type pluginFormat struct {
	env    *formatEnv
	plugin Plugin
	acc    *native.Accessor[*pluginHandle]
}

func newPluginFormat(env *formatEnv) (*pluginFormat, error) {
	var (
		plugin Plugin
		ok     bool
	)
	if env.pluginName != "" {
		plugin, ok = env.plugins.ByName(env.pluginName)
		if !ok {
			return nil, fmt.Errorf("nest: unknown plugin %q: %w", env.pluginName, ErrNotSupported)
		}
	} else if plugin, ok = env.plugins.ByExtension(env.key); !ok {
		plugin = Plugin{Name: "auto", BulkOnly: true}
	}

	path, display := env.source, filepath.Base(env.key)
	open := func(password string) (*pluginHandle, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		extractor := plugin.Format
		if extractor == nil {
			identified, _, err := archives.Identify(context.Background(), display, f)
			if err != nil {
				f.Close() //nolint:errcheck // best-effort cleanup
				return nil, fmt.Errorf("%w: %w", ErrFormatMismatch, err)
			}
			var isExtractor bool
			if extractor, isExtractor = identified.(archives.Extractor); !isExtractor {
				f.Close() //nolint:errcheck // best-effort cleanup
				return nil, fmt.Errorf("%w: %s cannot be extracted", ErrFormatMismatch, display)
			}
		}
		if rar, isRar := extractor.(archives.Rar); isRar {
			rar.Password = password
			extractor = rar
		}
		return &pluginHandle{file: f, extractor: extractor}, nil
	}

	p := &pluginFormat{env: env, plugin: plugin}
	p.acc = native.New[*pluginHandle](env.family, open,
		native.WithPasswordCheck(isPluginPasswordError),
		native.WithKeyring(env.keyring),
		native.WithLogger(env.logger),
	)
	return p, nil
}

func isPluginPasswordError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "password") || strings.Contains(msg, "encrypted")
}

func (p *pluginFormat) isPasswordError(err error) bool { return isPluginPasswordError(err) }

func (p *pluginFormat) kind() Kind { return KindPlugin }

// walk visits every file of the archive in order from the start.
func (p *pluginFormat) walk(ctx context.Context, h *pluginHandle, fn func(id int, fi archives.FileInfo) error) error {
	if _, err := h.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	id := 0
	err := h.extractor.Extract(ctx, h.file, func(ctx context.Context, fi archives.FileInfo) error {
		err := fn(id, fi)
		id++
		return err
	})
	if errors.Is(err, errStopWalk) {
		return nil
	}
	return err
}

func (p *pluginFormat) list(ctx context.Context, decrypt bool) ([]*Entry, error) {
	var out []*Entry
	err := p.acc.Do(ctx, decrypt, func(h *pluginHandle) error {
		out = out[:0]
		return p.walk(ctx, h, func(id int, fi archives.FileInfo) error {
			size := fi.Size()
			if fi.IsDir() {
				size = -1
			}
			e := newEntry(id, pathutil.Normalize(fi.NameInArchive), size, fi.ModTime())
			e.dir = fi.IsDir()
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

func (p *pluginFormat) open(ctx context.Context, e *Entry, decrypt bool) (io.ReadCloser, error) {
	var stream io.ReadCloser
	err := p.acc.Do(ctx, decrypt, func(h *pluginHandle) error {
		found := false
		err := p.walk(ctx, h, func(id int, fi archives.FileInfo) error {
			if id != e.id {
				return nil
			}
			found = true
			rc, err := fi.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
			if stream, err = p.env.buffer(ctx, rc, e); err != nil {
				return err
			}
			return errStopWalk
		})
		if err == nil && !found {
			return ErrNotFound
		}
		return err
	})
	return stream, err
}

func (p *pluginFormat) preExtractable() bool { return p.plugin.BulkOnly }

func (p *pluginFormat) preExtract(ctx context.Context, byID func(int) *Entry, sink sinkFunc) error {
	return p.acc.Do(ctx, true, func(h *pluginHandle) error {
		return p.walk(ctx, h, func(id int, fi archives.FileInfo) error {
			e := byID(id)
			if e == nil {
				return nil
			}
			return extractOne(ctx, e, func() (io.ReadCloser, error) { return fi.Open() }, sink)
		})
	})
}

func (p *pluginFormat) unlock() { p.acc.Unlock() }

func (p *pluginFormat) close() error { return p.acc.Close() }
