package passport

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ImageStore persists a face image and returns where it was written.
type ImageStore interface {
	Save(name string, image []byte) (string, error)
}

// DirStore writes images into a directory, creating it on first use.
type DirStore struct {
	Dir string
}

// Save writes image as Dir/name with owner-only permissions.
func (s DirStore) Save(name string, image []byte) (path string, err error) {
	if s.Dir == "" {
		return "", errors.New("image store directory is empty")
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create image directory")
	}
	path = filepath.Join(s.Dir, filepath.Base(name))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return "", errors.Wrap(err, "create image file")
	}
	defer func() {
		err = multierr.Append(err, f.Close())
		if err != nil {
			path = ""
		}
	}()
	if _, err := f.Write(image); err != nil {
		return "", errors.Wrap(err, "write image file")
	}
	return path, nil
}
