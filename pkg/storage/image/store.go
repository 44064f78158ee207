package image

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"camtrawl-acq/pkg/storage/consts"
)

// Storage writes still images for one camera.
type Storage struct {
	path string
}

func New(path string) (*Storage, error) {
	if path == "" {
		return nil, fmt.Errorf("path can not be empty")
	}
	if err := os.MkdirAll(path, consts.DefaultDirPerm); err != nil {
		return nil, err
	}
	return &Storage{path: path}, nil
}

func (s *Storage) Dir() string {
	return s.path
}

// Save writes src to fileName atomically: the data goes to a temporary file
// which is renamed once complete, so a crash never leaves a truncated image
// behind a valid name.
func (s *Storage) Save(fileName string, src io.Reader) (string, error) {
	dst := s.GetPath(fileName)
	tmp, err := os.CreateTemp(s.path, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err = io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err = os.Chmod(tmp.Name(), consts.DefaultFilePerm); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	return dst, nil
}

func (s *Storage) SaveBytes(fileName string, data []byte) (string, error) {
	return s.Save(fileName, bytes.NewReader(data))
}

func (s *Storage) GetPath(fileName string) string {
	return filepath.Join(s.path, fileName)
}
