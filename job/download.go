package job

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"fileforge/artifact"
	"fileforge/logger"
)

// sniffLen matches the amount of data mimetype reads by default.
const sniffLen = 3072

// Download is a conversion result ready to be streamed to a client. Closing
// Body releases every temporary file behind it.
type Download struct {
	Name        string
	ContentType string
	Size        int64 // -1 when unknown
	Body        io.ReadCloser
}

// cleanupBody runs its cleanups once the reader is closed.
type cleanupBody struct {
	io.Reader
	closers []func() error
	closed  bool
}

func (b *cleanupBody) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onClose adds a cleanup to d's body.
func (d *Download) onClose(fn func() error) {
	if body, ok := d.Body.(*cleanupBody); ok {
		body.closers = append(body.closers, fn)
		return
	}
	d.Body = &cleanupBody{Reader: d.Body, closers: []func() error{d.Body.Close, fn}}
}

// buildDownload returns the single artifact as is, or a zip bundle of all of
// them. spoolDir holds the temporary bundle.
func buildDownload(ctx context.Context, store artifact.Store, refs []artifact.Ref, spoolDir string) (*Download, error) {
	if len(refs) == 1 {
		return singleDownload(ctx, store, refs[0])
	}

	f, err := os.CreateTemp(spoolDir, "bundle-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle file: %w", err)
	}
	discard := func() {
		f.Close()
		os.Remove(f.Name())
	}

	n, err := artifact.WriteBundle(ctx, store, refs, f, spoolDir)
	if err != nil {
		discard()
		return nil, &ConversionError{Stage: StageFetch, Detail: "could not build result bundle", Err: err}
	}
	if n < len(refs) {
		logger.Warnf("Bundle %s holds %d of %d artifacts", f.Name(), n, len(refs))
	}

	size, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		discard()
		return nil, fmt.Errorf("failed to rewind bundle: %w", err)
	}

	return &Download{
		Name:        "result.zip",
		ContentType: "application/zip",
		Size:        size,
		Body: &cleanupBody{Reader: f, closers: []func() error{
			f.Close,
			func() error { return os.Remove(f.Name()) },
		}},
	}, nil
}

func singleDownload(ctx context.Context, store artifact.Store, ref artifact.Ref) (*Download, error) {
	rc, err := store.Open(ctx, ref.Key)
	if err != nil {
		logger.Warnf("Artifact %s unreadable: %v", ref.Key, err)
		return nil, &ConversionError{Stage: StageFetch, Detail: "result artifact is no longer readable", Err: err}
	}

	br := bufio.NewReaderSize(rc, sniffLen)
	head, _ := br.Peek(sniffLen)

	name := "result"
	if ref.Ext != "" {
		name += "." + ref.Ext
	}
	return &Download{
		Name:        name,
		ContentType: mimetype.Detect(head).String(),
		Size:        -1,
		Body:        &cleanupBody{Reader: br, closers: []func() error{rc.Close}},
	}, nil
}
