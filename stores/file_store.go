package stores

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	pe "zaplink.io/zap/errors"
)

// FileStore stores uploaded content of arbitrary type associated with a given artifact
// (note a file is just a byte sequence)
type FileStore interface {
	// Ref returns the reference of file in file storage layer for future persistence and access. It should
	// always be deterministic based on the owning artifact's key and filename
	Ref(key, filename string) string
	// Save persists the content under ref and returns its size. Content larger than the store's limit is
	// rejected with ErrCodeOversized and nothing is kept
	Save(ctx context.Context, ref string, r io.Reader) (int64, *pe.Err)
	Get(ctx context.Context, ref string) (io.ReadCloser, *pe.Err)
	// Delete deletes the file from store. Delete must be idempotent
	Delete(ctx context.Context, ref string) *pe.Err
	Close() *pe.Err
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeFilename reduces a client supplied filename to a single safe path element
func SafeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return "file"
	}
	if len(name) > 128 {
		name = name[len(name)-128:]
	}
	return name
}

// LocalFileStore implements FileStore backed by local file system
type LocalFileStore struct {
	Root     string
	MaxBytes int64
}

func (fs *LocalFileStore) Ref(key, filename string) string {
	// local fs storage won't scale past a single host; S3FileStore covers the rest
	return filepath.Join(fs.Root, SafeFilename(key), SafeFilename(filename))
}

func (fs *LocalFileStore) contained(ref string) bool {
	root := filepath.Clean(fs.Root) + string(filepath.Separator)
	return strings.HasPrefix(filepath.Clean(ref), root)
}

func (fs *LocalFileStore) Save(_ context.Context, ref string, r io.Reader) (int64, *pe.Err) {
	if !fs.contained(ref) {
		return 0, pe.NewBadInput(fmt.Sprintf("file ref %s outside of store", ref))
	}
	// 1. prepare file to host data
	errMsg := "error allocating file storage space"
	if err := os.MkdirAll(filepath.Dir(ref), 0o750); err != nil {
		return 0, pe.NewStorageUnavailable(errMsg).WithCause(err)
	}
	f, err := os.OpenFile(ref, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return 0, pe.NewStorageUnavailable(errMsg).WithCause(err)
	}
	defer f.Close()
	// 2. pipe data to file; one extra byte tells an oversized upload apart
	n, err := io.Copy(f, io.LimitReader(r, fs.MaxBytes+1))
	if err != nil {
		os.Remove(ref)
		return 0, pe.NewStorageUnavailable("error saving file data").WithCause(err)
	}
	if n > fs.MaxBytes {
		os.Remove(ref)
		return 0, pe.NewOversized(fmt.Sprintf("file exceeds %d bytes", fs.MaxBytes))
	}
	return n, nil
}

func (fs *LocalFileStore) Get(_ context.Context, ref string) (io.ReadCloser, *pe.Err) {
	if !fs.contained(ref) {
		return nil, pe.NewNotFound("file not found")
	}
	f, err := os.Open(ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, pe.NewNotFound("file not found").WithCause(err)
		}
		return nil, pe.NewStorageUnavailable("error retrieving file").WithCause(err)
	}
	return f, nil
}

func (fs *LocalFileStore) Delete(_ context.Context, ref string) *pe.Err {
	if !fs.contained(ref) {
		return pe.NewBadInput(fmt.Sprintf("file ref %s outside of store", ref))
	}
	if err := os.Remove(ref); err != nil && !os.IsNotExist(err) {
		return pe.NewStorageUnavailable("error removing file").WithCause(err)
	}
	// the per-artifact directory only ever holds this file; failing to remove it is harmless
	os.Remove(filepath.Dir(ref))
	return nil
}

func (fs *LocalFileStore) Close() *pe.Err {
	return nil
}
