package nest

import (
	"context"
	"errors"
	"slices"

	"github.com/meigma/nest/internal/pathutil"
)

// SortEntries returns the files among entries in natural name order.
// Directories and placeholders are dropped.
func SortEntries(entries []*Entry) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if !e.dir {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b *Entry) int {
		switch {
		case pathutil.NaturalLess(a.name, b.name):
			return -1
		case pathutil.NaturalLess(b.name, a.name):
			return 1
		}
		return 0
	})
	return out
}

// IsImage reports whether name has one of the configured image extensions
// and is not claimed by the media format.
func (m *Manager) IsImage(name string) bool {
	cfg := m.config()
	if !pathutil.HasExt(name, cfg.ImageExtensions) {
		return false
	}
	return m.detectName(name, KindNone) != KindMedia
}

// FirstImage returns the first image of a in natural order, for use as a
// thumbnail. When a holds no image, up to budget nested archives are
// searched depth first, each with budget-1. Failures inside nested
// archives are logged and skipped. The returned Location keeps the nested
// archives alive.
func (m *Manager) FirstImage(ctx context.Context, a *Archive, budget int) (*Location, error) {
	entries, err := a.Entries(ctx, false)
	if err != nil {
		return nil, err
	}
	sorted := SortEntries(entries)
	for _, e := range sorted {
		if m.IsImage(e.name) {
			return &Location{Entry: e, Archives: []*Archive{a}}, nil
		}
	}

	tried := 0
	for _, e := range sorted {
		if tried >= budget {
			break
		}
		if k := m.detectName(e.name, KindNone); k == KindNone || k == KindMedia {
			continue
		}
		tried++
		nested, err := m.CreateArchive(ctx, e)
		if err != nil {
			if IsCanceled(err) {
				return nil, err
			}
			m.log().Warn("skip nested archive", "entry", e.sysPath, "error", err)
			continue
		}
		loc, err := m.FirstImage(ctx, nested, budget-1)
		switch {
		case err == nil:
			loc.Archives = append([]*Archive{a}, loc.Archives...)
			return loc, nil
		case IsCanceled(err):
			return nil, err
		case !errors.Is(err, ErrNotFound):
			m.log().Warn("search nested archive", "archive", nested.key, "error", err)
		}
	}
	return nil, pathError("firstimage", a.key, ErrNotFound)
}

// Listing is an archive's entries flattened with those of its nested
// archives. Keeping the Listing keeps the nested archives alive.
type Listing struct {
	Entries  []*Entry
	Archives []*Archive
}

// ExpandEntries lists every entry of a. When Config.Recursive is set, the
// entries of nested archives are appended after the archive entry that
// holds them, up to depth levels. Nested archives that fail to open are
// logged and skipped.
func (m *Manager) ExpandEntries(ctx context.Context, a *Archive, depth int) (*Listing, error) {
	out := &Listing{Archives: []*Archive{a}}
	if err := m.expand(ctx, a, depth, m.config().Recursive, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manager) expand(ctx context.Context, a *Archive, depth int, recursive bool, out *Listing) error {
	entries, err := a.Entries(ctx, false)
	if err != nil {
		return err
	}
	for _, e := range entries {
		out.Entries = append(out.Entries, e)
		if !recursive || depth <= 0 || e.dir {
			continue
		}
		if k := m.detectName(e.name, KindNone); k == KindNone || k == KindMedia {
			continue
		}
		nested, err := m.CreateArchive(ctx, e)
		if err == nil {
			out.Archives = append(out.Archives, nested)
			err = m.expand(ctx, nested, depth-1, recursive, out)
		}
		if err != nil {
			if IsCanceled(err) {
				return err
			}
			m.log().Warn("skip nested archive", "entry", e.sysPath, "error", err)
		}
	}
	return nil
}
