package nest

import (
	"context"
	"io"
	"os"
)

// mediaFormat wraps a single media file as an archive with one entry.
type mediaFormat struct {
	path string
	name string
	real bool // false when path is a proxy copy
}

func (m *mediaFormat) kind() Kind { return KindMedia }

func (m *mediaFormat) list(context.Context, bool) ([]*Entry, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return nil, err
	}
	e := newEntry(0, m.name, info.Size(), info.ModTime())
	if m.real {
		e.sysPath = m.path
		e.real = true
	}
	return []*Entry{e}, nil
}

func (m *mediaFormat) open(context.Context, *Entry, bool) (io.ReadCloser, error) {
	return os.Open(m.path)
}

func (m *mediaFormat) preExtractable() bool { return false }

func (m *mediaFormat) preExtract(context.Context, func(int) *Entry, sinkFunc) error {
	return nil
}

func (m *mediaFormat) unlock() {}

func (m *mediaFormat) close() error { return nil }
