package artifact

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"fileforge/logger"

	"github.com/klauspost/compress/flate"
)

// ErrNothingToBundle is returned when none of the artifacts could be read.
var ErrNothingToBundle = errors.New("no artifact could be read")

// EntryName is the download name of the artifact at 1-based position ordinal.
func EntryName(ordinal int, ext string) string {
	if ext == "" {
		return fmt.Sprintf("result-%d", ordinal)
	}
	return fmt.Sprintf("result-%d.%s", ordinal, ext)
}

// WriteBundle writes refs into a zip archive on dst and returns the number of
// entries written. Each entry keeps the ordinal of its ref, so an artifact that
// cannot be read leaves a gap in the numbering instead of shifting the rest.
// Artifacts are spooled to spoolDir before they are added, so a read failure
// never leaves a truncated entry behind.
func WriteBundle(ctx context.Context, store Store, refs []Ref, dst io.Writer, spoolDir string) (int, error) {
	zw := zip.NewWriter(dst)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	written := 0
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		name := EntryName(i+1, ref.Ext)

		spool, err := spoolArtifact(ctx, store, ref, spoolDir)
		if err != nil {
			logger.Warnf("Skipping artifact %s (%s) from bundle: %v", ref.Key, name, err)
			continue
		}
		err = addEntry(zw, name, spool)
		spool.Close()
		os.Remove(spool.Name())
		if err != nil {
			return written, fmt.Errorf("failed to add %s to bundle: %w", name, err)
		}
		written++
	}

	if written == 0 {
		return 0, ErrNothingToBundle
	}
	if err := zw.Close(); err != nil {
		return written, fmt.Errorf("failed to finish bundle: %w", err)
	}
	return written, nil
}

// spoolArtifact copies one artifact into a temp file positioned at its start.
func spoolArtifact(ctx context.Context, store Store, ref Ref, spoolDir string) (*os.File, error) {
	rc, err := store.Open(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	f, err := os.CreateTemp(spoolDir, "spool-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return f, nil
}

func addEntry(zw *zip.Writer, name string, src io.Reader) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, src)
	return err
}
