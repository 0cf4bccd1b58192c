// Package nest provides a virtual container engine: a uniform entry and
// stream abstraction over directories, zip, 7z, PDF, plugin archives
// (tar, rar and friends), single media files and playlists, with arbitrary
// nesting.
//
// A [Manager] detects formats, opens archives and caches them weakly by
// path. Each [Archive] lists its entries lazily, opens or extracts single
// entries, and for solid formats runs a background [PreExtractor] that
// unpacks everything once so later reads come from memory or temp files.
//
// # Quick Start
//
//	m, err := nest.NewManager(nest.WithLogger(slog.Default()))
//	if err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	loc, err := m.Resolve(ctx, "/books/comic.zip/chapter1/page01.jpg")
//	if err != nil {
//	    return err
//	}
//	rc, err := loc.Open(ctx)
//
// # Nesting
//
// Paths may cross any number of archive boundaries. Archives embedded in
// another archive are extracted to a private proxy file first; the proxy
// lives as long as the nested archive does.
//
// # Deleting
//
// Folders and top level zip files support [Archive.Delete] and
// [Archive.Rename]. Zip edits are coalesced per file and applied by
// rewriting a copy and atomically replacing the original.
package nest
