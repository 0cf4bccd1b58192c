package nest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/meigma/nest/internal/sizing"
)

// playlistVersion tags files written by WritePlaylist.
const playlistVersion = "nest.playlist/1"

// maxPlaylistBytes bounds how much of a playlist file is read.
const maxPlaylistBytes = 4 << 20

// PlaylistItem is one member of a playlist: a path on disk and an optional
// display name.
type PlaylistItem struct {
	Path string
	Name string
}

// playlistFormat exposes the members of a playlist file as real entries.
//
// The file is JSON: {"items": [...]} where each item is either a path
// string or an object with "path" and optional "name". Relative paths are
// resolved against the playlist's directory.
type playlistFormat struct {
	path string
}

func (p *playlistFormat) kind() Kind { return KindPlaylist }

func (p *playlistFormat) list(context.Context, bool) ([]*Entry, error) {
	items, err := ReadPlaylist(p.path)
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(items))
	for i, item := range items {
		name := item.Name
		if name == "" {
			name = filepath.Base(item.Path)
		}
		name = strings.ReplaceAll(name, "/", "_")
		e := newEntry(i, name, -1, time.Time{})
		e.sysPath = item.Path
		e.real = true
		if info, err := os.Stat(item.Path); err == nil {
			e.modified = info.ModTime()
			if info.IsDir() {
				e.dir = true
			} else {
				e.size = info.Size()
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func (p *playlistFormat) open(_ context.Context, e *Entry, _ bool) (io.ReadCloser, error) {
	return os.Open(e.sysPath)
}

func (p *playlistFormat) preExtractable() bool { return false }

func (p *playlistFormat) preExtract(context.Context, func(int) *Entry, sinkFunc) error {
	return nil
}

func (p *playlistFormat) unlock() {}

func (p *playlistFormat) close() error { return nil }

// ReadPlaylist parses a playlist file. Relative member paths are made
// absolute against the playlist's directory.
func ReadPlaylist(path string) ([]PlaylistItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := sizing.ReadAllWithLimit(f, maxPlaylistBytes, ErrFormatMismatch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s is not a playlist", ErrFormatMismatch, path)
	}
	root := gjson.ParseBytes(data)
	list := root.Get("items")
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: %s has no items", ErrFormatMismatch, path)
	}
	base := filepath.Dir(path)
	var items []PlaylistItem
	list.ForEach(func(_, v gjson.Result) bool {
		var item PlaylistItem
		switch {
		case v.Type == gjson.String:
			item.Path = v.String()
		case v.IsObject():
			item.Path = v.Get("path").String()
			item.Name = v.Get("name").String()
		}
		if item.Path == "" {
			return true
		}
		item.Path = filepath.FromSlash(item.Path)
		if !filepath.IsAbs(item.Path) {
			item.Path = filepath.Join(base, item.Path)
		}
		items = append(items, item)
		return true
	})
	return items, nil
}

// EncodePlaylist returns the playlist file content for items.
func EncodePlaylist(items []PlaylistItem) ([]byte, error) {
	data := []byte(`{"items":[]}`)
	data, err := sjson.SetBytes(data, "format", playlistVersion)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		data, err = sjson.SetBytes(data, fmt.Sprintf("items.%d.path", i), filepath.ToSlash(item.Path))
		if err != nil {
			return nil, err
		}
		if item.Name != "" {
			data, err = sjson.SetBytes(data, fmt.Sprintf("items.%d.name", i), item.Name)
			if err != nil {
				return nil, err
			}
		}
	}
	return pretty.Pretty(data), nil
}

// WritePlaylist writes items to path.
func WritePlaylist(path string, items []PlaylistItem) error {
	data, err := EncodePlaylist(items)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
