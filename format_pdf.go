package nest

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/meigma/nest/internal/native"
)

// pdfFormat exposes the pages of a PDF file as image entries. Rendering is
// delegated to a PageRenderer.
type pdfFormat struct {
	env      *formatEnv
	path     string
	family   *native.Family
	renderer PageRenderer
}

func newPdfFormat(env *formatEnv) *pdfFormat {
	return &pdfFormat{env: env, path: env.source, family: env.family, renderer: env.renderer}
}

func (p *pdfFormat) kind() Kind { return KindPdf }

func (p *pdfFormat) list(ctx context.Context, _ bool) ([]*Entry, error) {
	info, err := os.Stat(p.path)
	if err != nil {
		return nil, err
	}
	var pages int
	err = p.family.Do(ctx, func() error {
		n, err := api.PageCountFile(p.path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFormatMismatch, err)
		}
		pages = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	width := max(4, len(strconv.Itoa(pages)))
	out := make([]*Entry, 0, pages)
	for i := range pages {
		out = append(out, newEntry(i, pageName(i, width), 0, info.ModTime()))
	}
	return out, nil
}

// pageName returns the entry name of zero based page i.
func pageName(i, width int) string {
	return fmt.Sprintf("%0*d.png", width, i+1)
}

func (p *pdfFormat) open(ctx context.Context, e *Entry, _ bool) (io.ReadCloser, error) {
	if p.renderer == nil {
		return nil, fmt.Errorf("no page renderer: %w", ErrNotSupported)
	}
	var stream io.ReadCloser
	err := p.family.Do(ctx, func() error {
		rc, err := p.renderer.RenderPage(ctx, p.path, e.id)
		if err != nil {
			return err
		}
		defer rc.Close()
		stream, err = p.env.buffer(ctx, rc, e)
		return err
	})
	return stream, err
}

func (p *pdfFormat) preExtractable() bool { return false }

func (p *pdfFormat) preExtract(context.Context, func(int) *Entry, sinkFunc) error {
	return nil
}

func (p *pdfFormat) unlock() {}

func (p *pdfFormat) close() error { return nil }
