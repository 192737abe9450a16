package localfs

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/ports"
)

// LocalFS implements ports.StorageProvider on the local filesystem.
// Objects are stored under root by their slash-separated key.
type LocalFS struct {
	root string
}

func New(root string) *LocalFS {
	return &LocalFS{root: root}
}

func (l *LocalFS) Provider() string { return "localfs" }

func (l *LocalFS) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	dst, err := l.resolve(in.ObjectKey)
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := ctx.Err(); err != nil {
		return ports.PutObjectOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ports.PutObjectOutput{}, apperrors.Wrap(err, "localfs.put", "failed to create object dir")
	}

	// Write beside the target and rename so readers never see a partial file.
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return ports.PutObjectOutput{}, apperrors.Wrap(err, "localfs.put", "failed to create object")
	}
	n, err := io.Copy(tmp, in.Reader)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return ports.PutObjectOutput{}, apperrors.Wrap(err, "localfs.put", "failed to write object")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return ports.PutObjectOutput{}, apperrors.Wrap(err, "localfs.put", "failed to store object")
	}

	return ports.PutObjectOutput{ObjectKey: in.ObjectKey, Size: n}, nil
}

// resolve maps key to a path under root, refusing keys that escape it.
func (l *LocalFS) resolve(key string) (string, error) {
	if key == "" {
		return "", apperrors.Validation("object_key is required")
	}
	clean := path.Clean("/" + key)
	if clean == "/" || strings.HasSuffix(key, "/") {
		return "", apperrors.Validationf("invalid object key: %s", key)
	}
	return filepath.Join(l.root, filepath.FromSlash(clean[1:])), nil
}
