// Package artifact stores conversion outputs until they are fetched, bundles
// multi-file results and schedules their deletion.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"fileforge/config"
)

// ErrNotExist is returned by Open when the key has no stored object.
var ErrNotExist = errors.New("artifact does not exist")

// Ref identifies one stored output. Key addresses the object in the Store,
// Ext is the file extension (without dot) used when naming it for download.
type Ref struct {
	Key string `json:"key"`
	Ext string `json:"ext"`
}

// Store is a blob store for transient artifacts. Keys are slash-separated
// relative paths.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Open builds the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.ArtifactsConfig) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "local":
		return NewLocalStore(cfg.LocalDir)
	case "s3":
		return NewS3Store(cfg.S3)
	case "gcs":
		return NewGCSStore(ctx, cfg.GCS)
	case "sftp":
		return NewSFTPStore(cfg.SFTP)
	default:
		return nil, fmt.Errorf("unknown artifact backend: %s", cfg.Backend)
	}
}

// cleanKey normalizes a key and rejects anything escaping the store root.
func cleanKey(key string) (string, error) {
	cleaned := path.Clean("/" + strings.ReplaceAll(key, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("invalid artifact key %q", key)
		}
	}
	return cleaned, nil
}

// joinPrefix prepends an optional object prefix to a cleaned key.
func joinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}
