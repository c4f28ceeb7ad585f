// Package environment finds the real compiler behind an invocation and
// packages it so that workers can run the exact same toolchain.
package environment

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ulikunitz/xz"
)

var ErrCompilerNotFound = errors.New("compiler not found")

// RemoteBinDir is where the compiler lives inside an uploaded environment.
const RemoteBinDir = "/usr/bin"

type Compiler struct {
	// Path is executed when compiling locally.
	Path string
	// Resolved has every symlink followed and identifies the toolchain.
	Resolved string
	// Remote is the compiler path on the worker.
	Remote string
}

// Resolve finds the compiler an invocation named argv0 stands for. An
// absolute preresolved path wins; otherwise the first executable of that
// name on searchPath that is not self is used, so a ccoffload symlink named
// gcc finds the gcc behind it.
func Resolve(argv0, preresolved, self, searchPath string) (*Compiler, error) {
	name := filepath.Base(argv0)
	if preresolved != "" {
		if filepath.IsAbs(preresolved) {
			return newCompiler(preresolved, name)
		}
		name = preresolved
	}
	if strings.Contains(argv0, "/") && preresolved == "" && !sameFile(argv0, self) {
		if isExecutable(argv0) {
			return newCompiler(argv0, name)
		}
	}

	for _, dir := range filepath.SplitList(searchPath) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, name)
		if !isExecutable(candidate) || sameFile(candidate, self) {
			continue
		}
		return newCompiler(candidate, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrCompilerNotFound, name)
}

func newCompiler(path, name string) (*Compiler, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCompilerNotFound, err.Error())
	}
	if abs, err := filepath.Abs(resolved); err == nil {
		resolved = abs
	}
	return &Compiler{
		Path:     path,
		Resolved: resolved,
		Remote:   filepath.Join(RemoteBinDir, filepath.Base(name)),
	}, nil
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}

func sameFile(a, b string) bool {
	if b == "" {
		return false
	}
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}

// Hash fingerprints the toolchain. Workers advertise the hashes of the
// environments they have.
func Hash(resolved string) (string, error) {
	f, err := os.Open(resolved)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", resolved, err)
	}
	fmt.Fprintf(h, "\x00%s/%s", runtime.GOOS, runtime.GOARCH)
	return hex.EncodeToString(h.Sum(nil)), nil
}

type Manifest struct {
	Hash     string    `json:"hash"`
	Compiler string    `json:"compiler"`
	Remote   string    `json:"remote"`
	OS       string    `json:"os"`
	Arch     string    `json:"arch"`
	Files    []string  `json:"files"`
	Created  time.Time `json:"created"`
}

const ManifestName = "ccoffload-manifest.json"

// Prepare writes <dir>/<hash>.tar.xz holding the compiler, the extra files
// and a manifest, and returns its path.
func Prepare(ctx context.Context, compiler *Compiler, hash string, extraFiles []string, dir string) (path string, err error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	path = filepath.Join(dir, hash+".tar.xz")
	tmp, err := os.CreateTemp(dir, hash+".*.tmp")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	xzWriter, err := xz.NewWriter(tmp)
	if err != nil {
		return "", err
	}
	tarWriter := tar.NewWriter(xzWriter)

	manifest := Manifest{
		Hash:     hash,
		Compiler: compiler.Resolved,
		Remote:   compiler.Remote,
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
		Created:  time.Now().UTC(),
	}

	entries := map[string]string{strings.TrimPrefix(compiler.Remote, "/"): compiler.Resolved}
	names := []string{strings.TrimPrefix(compiler.Remote, "/")}
	for _, extra := range extraFiles {
		abs, err := filepath.Abs(extra)
		if err != nil {
			return "", err
		}
		name := strings.TrimPrefix(abs, "/")
		if _, ok := entries[name]; ok {
			continue
		}
		entries[name] = abs
		names = append(names, name)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := addFile(tarWriter, name, entries[name]); err != nil {
			return "", err
		}
		manifest.Files = append(manifest.Files, "/"+name)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", err
	}
	if err := tarWriter.WriteHeader(&tar.Header{
		Name:    ManifestName,
		Mode:    0o644,
		Size:    int64(len(data)),
		ModTime: manifest.Created,
	}); err != nil {
		return "", err
	}
	if _, err := tarWriter.Write(data); err != nil {
		return "", err
	}

	if err := tarWriter.Close(); err != nil {
		return "", err
	}
	if err := xzWriter.Close(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func addFile(w *tar.Writer, name, source string) error {
	f, err := os.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", source)
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = name
	if err := w.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// ReadManifest extracts the manifest from an archive written by Prepare.
func ReadManifest(r io.Reader) (*Manifest, error) {
	xzReader, err := xz.NewReader(r)
	if err != nil {
		return nil, err
	}
	tarReader := tar.NewReader(xzReader)
	for {
		header, err := tarReader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, errors.New("archive has no manifest")
			}
			return nil, err
		}
		if header.Name != ManifestName {
			continue
		}
		var manifest Manifest
		if err := json.NewDecoder(tarReader).Decode(&manifest); err != nil {
			return nil, err
		}
		return &manifest, nil
	}
}
