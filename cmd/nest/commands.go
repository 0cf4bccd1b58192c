package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/nest"
	"github.com/meigma/nest/internal/pathutil"
)

const timeLayout = "2006-01-02 15:04"

func (a *app) lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list a directory, an archive or a directory inside an archive",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "recursive",
				Aliases: []string{"r"},
				Usage:   "list the whole subtree",
			},
			&cli.IntFlag{
				Name:  "expand",
				Usage: "descend into nested archives up to this depth (needs recursive = true in the config)",
			},
			&cli.BoolFlag{
				Name:  "natural",
				Usage: "sort files in natural order and hide directories",
			},
		},
		Action: a.ls,
	}
}

func (a *app) ls(ctx context.Context, cmd *cli.Command) error {
	path, err := singleArg(cmd)
	if err != nil {
		return err
	}
	loc, err := a.m.Resolve(ctx, path)
	if err != nil {
		return err
	}
	ar, sub, err := a.container(ctx, loc)
	if err != nil {
		return err
	}

	var entries []*nest.Entry
	expanded := false
	if depth := cmd.Int("expand"); depth > 0 && sub == "" {
		listing, err := a.m.ExpandEntries(ctx, ar, depth)
		if err != nil {
			return err
		}
		entries, expanded = listing.Entries, true
	} else if entries, err = ar.EntriesUnder(ctx, sub, cmd.Bool("recursive"), false); err != nil {
		return err
	}
	if cmd.Bool("natural") {
		entries = nest.SortEntries(entries)
	}

	for _, e := range entries {
		name := e.Name()
		if expanded {
			// Nested entries are named by their path below ar.
			if rel, err := filepath.Rel(ar.Path(), e.SystemPath()); err == nil {
				name = filepath.ToSlash(rel)
			}
		}
		if e.IsDir() {
			fmt.Fprintf(a.stdout, "%12s  %16s  %s/\n", "-", "", name)
			continue
		}
		flags := ""
		if e.Encrypted() {
			flags = " (encrypted)"
		}
		fmt.Fprintf(a.stdout, "%12d  %16s  %s%s\n", e.Size(), e.Modified().Format(timeLayout), name, flags)
	}
	return nil
}

func (a *app) catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "write files to stdout",
		ArgsUsage: "<path>...",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() == 0 {
				return errors.New("missing path")
			}
			for _, path := range cmd.Args().Slice() {
				if err := a.cat(ctx, path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (a *app) cat(ctx context.Context, path string) error {
	loc, err := a.m.Resolve(ctx, path)
	if err != nil {
		return err
	}
	rc, err := loc.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(a.stdout, rc)
	return err
}

func (a *app) extractCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "extract an archive, a directory inside one, or a single entry",
		ArgsUsage: "<path> <dest>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "replace existing files",
			},
			&cli.IntFlag{
				Name:    "jobs",
				Aliases: []string{"j"},
				Usage:   "entries extracted in parallel",
				Value:   4,
			},
		},
		Action: a.extract,
	}
}

func (a *app) extract(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return errors.New("usage: nest extract <path> <dest>")
	}
	path, dest := cmd.Args().Get(0), cmd.Args().Get(1)
	overwrite := cmd.Bool("overwrite")

	loc, err := a.m.Resolve(ctx, path)
	if err != nil {
		return err
	}
	ar, sub, err := a.container(ctx, loc)
	if errors.Is(err, nest.ErrNotSupported) && loc.Archive() != nil {
		// A plain entry inside an archive.
		target := filepath.Join(dest, loc.Entry.Base())
		return loc.Archive().Extract(ctx, loc.Entry, target, overwrite)
	}
	if err != nil {
		return err
	}

	entries, err := ar.EntriesUnder(ctx, sub, true, true)
	if err != nil {
		return err
	}

	// Solid archives are unpacked once in the background; each Extract
	// waits for its own entry.
	ar.ActivatePreExtractor()
	defer ar.DeactivatePreExtractor()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, cmd.Int("jobs")))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(e.Name(), sub), "/")
		if !filepath.IsLocal(filepath.FromSlash(rel)) {
			fmt.Fprintf(a.stderr, "skipping %s: path escapes destination\n", e.Name())
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		g.Go(func() error {
			return ar.Extract(gctx, e, target, overwrite)
		})
	}
	return g.Wait()
}

func (a *app) rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "delete files from directories or zip archives",
		ArgsUsage: "<path>...",
		Action:    a.rm,
	}
}

func (a *app) rm(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() == 0 {
		return errors.New("missing path")
	}

	var order []*nest.Archive
	byArchive := make(map[*nest.Archive][]*nest.Entry)
	for _, path := range cmd.Args().Slice() {
		ar, e, err := a.owner(ctx, path)
		if err != nil {
			return err
		}
		if _, ok := byArchive[ar]; !ok {
			order = append(order, ar)
		}
		byArchive[ar] = append(byArchive[ar], e)
	}

	// Distinct archives are rewritten concurrently.
	g, gctx := errgroup.WithContext(ctx)
	for _, ar := range order {
		entries := byArchive[ar]
		g.Go(func() error {
			res, err := ar.Delete(gctx, entries)
			if err != nil {
				return err
			}
			if res == nest.DeleteQueued {
				fmt.Fprintf(a.stderr, "%s: delete queued\n", ar.Path())
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *app) mvCommand() *cli.Command {
	return &cli.Command{
		Name:      "mv",
		Usage:     "rename a file inside a directory or zip archive",
		ArgsUsage: "<path> <new-name>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 2 {
				return errors.New("usage: nest mv <path> <new-name>")
			}
			ar, e, err := a.owner(ctx, cmd.Args().Get(0))
			if err != nil {
				return err
			}
			// A bare name stays in the entry's directory.
			name := cmd.Args().Get(1)
			if dir := pathutil.Dir(e.Name()); dir != "" && !strings.Contains(name, "/") {
				name = dir + "/" + name
			}
			return ar.Rename(ctx, e, name)
		},
	}
}

func (a *app) thumbCommand() *cli.Command {
	return &cli.Command{
		Name:      "thumb",
		Usage:     "find the first image of a directory or archive",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "budget",
				Usage: "nested archives searched per level when no image is found",
				Value: 3,
			},
			&cli.StringFlag{
				Name:      "output",
				Aliases:   []string{"o"},
				Usage:     "write the image to this file instead of printing its path",
				TakesFile: true,
			},
		},
		Action: a.thumb,
	}
}

func (a *app) thumb(ctx context.Context, cmd *cli.Command) error {
	path, err := singleArg(cmd)
	if err != nil {
		return err
	}
	loc, err := a.m.Resolve(ctx, path)
	if err != nil {
		return err
	}
	ar, _, err := a.container(ctx, loc)
	if err != nil {
		return err
	}
	img, err := a.m.FirstImage(ctx, ar, cmd.Int("budget"))
	if err != nil {
		return err
	}

	out := cmd.String("output")
	if out == "" {
		fmt.Fprintln(a.stdout, img.Entry.SystemPath())
		return nil
	}
	rc, err := img.Open(ctx)
	if err != nil {
		return err
	}
	defer rc.Close()
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// container returns the archive a listing of loc starts from and the
// subpath inside it. Placeholder directories list their parent archive.
func (a *app) container(ctx context.Context, loc *nest.Location) (*nest.Archive, string, error) {
	if loc.Entry.IsPlaceholder() {
		return loc.Archive(), loc.Entry.Name(), nil
	}
	ar, err := a.m.CreateArchive(ctx, loc.Entry)
	if err != nil {
		return nil, "", err
	}
	return ar, "", nil
}

// owner returns the archive that can delete or rename path and the entry
// for path inside it. Real files are owned by their folder.
func (a *app) owner(ctx context.Context, path string) (*nest.Archive, *nest.Entry, error) {
	loc, err := a.m.Resolve(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	if ar := loc.Archive(); ar != nil {
		return ar, loc.Entry, nil
	}
	sys := loc.Entry.SystemPath()
	folder, err := a.m.OpenArchive(ctx, filepath.Dir(sys))
	if err != nil {
		return nil, nil, err
	}
	e, err := folder.Lookup(ctx, filepath.Base(sys))
	if err != nil {
		return nil, nil, err
	}
	return folder, e, nil
}

func singleArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("expected one path, got %d", cmd.Args().Len())
	}
	return cmd.Args().First(), nil
}
