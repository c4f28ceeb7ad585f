package service

import (
	"errors"
	"os"
	"path/filepath"

	"tbx.at/ccoffload"
)

type OutputFileService interface {
	// Write stores a file the worker produced. Relative paths are taken
	// relative to dir.
	Write(dir string, file ccoffload.OutputFile) (filePath string, err error)
}

type OutputFileServiceImpl struct{}

// Write implements OutputFileService
func (*OutputFileServiceImpl) Write(dir string, file ccoffload.OutputFile) (filePath string, err error) {
	if file.Path == "" {
		return "", errors.New("output file without a path")
	}
	filePath = file.Path
	if !filepath.IsAbs(filePath) {
		filePath = filepath.Join(dir, filePath)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(filePath), "."+filepath.Base(filePath)+".*")
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmpFile.Name())
		}
	}()
	defer tmpFile.Close()
	if err := os.Chmod(tmpFile.Name(), 0644); err != nil {
		return "", err
	}
	if _, err := tmpFile.Write(file.Content); err != nil {
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpFile.Name(), filePath); err != nil {
		return "", err
	}
	return filePath, nil
}

var _ OutputFileService = (*OutputFileServiceImpl)(nil)
