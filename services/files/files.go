// Package filesvc stores uploaded documents on the local disk or in an S3 bucket.
package filesvc

import (
	"context"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
)

// New returns the FileStorage selected by conf.Storage.Backend.
func New(ctx context.Context, conf *core.Config) (core.FileStorage, error) {
	switch strings.ToLower(conf.Storage.Backend) {
	case "", "local":
		return NewLocalStorage(conf.Storage.LocalDir, conf.Storage.PublicBaseURL)
	case "s3":
		return NewS3Storage(ctx, conf)
	default:
		return nil, errors.Errorf("unknown storage backend %q", conf.Storage.Backend)
	}
}

// objectName returns a collision-free name keeping the uploaded file's extension.
func objectName(name string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(name, "\\", "/"))))
	if ext == "" || len(ext) > 10 {
		ext = ".pdf"
	}
	return uuid.New().String() + ext
}

// nameFromURL returns the object name if url was produced under baseURL.
func nameFromURL(url, baseURL string) (string, bool) {
	prefix := strings.TrimSuffix(baseURL, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(url, prefix)
	if name == "" || strings.Contains(name, "/") || strings.Contains(name, "..") {
		return "", false
	}
	return name, true
}
