package storage

import (
	"errors"
	"fmt"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
)

// File base names inside a collection directory.
const (
	metadataFile = "metaData"
	idChunkFile  = "idChunkMap"
)

// fileStore reads and writes encoded files inside one collection directory.
type fileStore struct {
	dir    string
	format Format
	fsync  bool
}

func (fs *fileStore) path(name string) string {
	return filepath.Join(fs.dir, name+"."+fs.format.Extension())
}

// Read decodes the file called name into v.
func (fs *fileStore) Read(name string, v any) error {
	data, err := os.ReadFile(fs.path(name))
	if err != nil {
		return err
	}
	if err := fs.format.Decode(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", fs.path(name), err)
	}
	return nil
}

// Write encodes v and replaces the file called name. The data goes to a
// temporary file first and is renamed into place.
func (fs *fileStore) Write(name string, v any) error {
	data, err := fs.format.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	target := fs.path(name)
	tmp, err := os.CreateTemp(fs.dir, name+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if fs.fsync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to sync %s: %w", name, err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// Exists reports whether the file called name is present.
func (fs *fileStore) Exists(name string) (bool, error) {
	info, err := os.Stat(fs.path(name))
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	}
	return !info.IsDir(), nil
}

// Remove deletes the file called name. A missing file is not an error.
func (fs *fileStore) Remove(name string) error {
	if err := os.Remove(fs.path(name)); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return err
	}
	return nil
}

// validName rejects names that cannot be used as a single path element.
func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`+"\x00")
}
