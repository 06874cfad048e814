package filesvc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
)

type localStorage struct {
	dir     string
	baseURL string
}

var _ core.FileStorage = (*localStorage)(nil) // interface compliance check

// NewLocalStorage stores files in dir; they are served under baseURL.
func NewLocalStorage(dir, baseURL string) (core.FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating uploads dir")
	}
	return &localStorage{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}, nil
}

func (s *localStorage) Save(ctx context.Context, name, _ string, size int64, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	obj := objectName(name)
	fp := filepath.Join(s.dir, obj)

	f, err := os.OpenFile(fp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.Wrap(err, "creating file")
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size > 0 && n != size {
		err = errors.Errorf("wrote %d bytes, expected %d", n, size)
	}
	if err != nil {
		_ = os.Remove(fp)
		return "", errors.Wrap(err, "writing file")
	}
	return s.baseURL + "/" + obj, nil
}

// Delete ignores urls not produced by this storage.
func (s *localStorage) Delete(_ context.Context, url string) error {
	name, ok := nameFromURL(url, s.baseURL)
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing file")
	}
	return nil
}
