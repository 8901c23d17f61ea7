package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	archiveDirLayout  = "02_01_2006"
	archiveFileLayout = "02_01_2006_15_04_05"
	archivePrefix     = "receipt"
)

// Collision decides what happens when two documents map to the same
// second-granularity file name.
type Collision string

const (
	// CollisionOverwrite lets the later write replace the earlier file.
	CollisionOverwrite Collision = "overwrite"
	// CollisionSuffix keeps both files, numbering later ones _2, _3, ...
	CollisionSuffix Collision = "suffix"
)

// maxSuffix bounds the search for a free name under CollisionSuffix.
const maxSuffix = 1000

// FS is the filesystem collaborator used by the archive.
type FS interface {
	// MkdirAll creates path and parents. An existing directory is not an error.
	MkdirAll(path string) error
	// WriteFile creates or replaces path.
	WriteFile(path string, data []byte) error
	// WriteNew creates path and fails with fs.ErrExist if it is already there.
	WriteNew(path string, data []byte) error
}

// OSFS implements FS on the local disk.
type OSFS struct{}

func (OSFS) MkdirAll(path string) error {
	err := os.MkdirAll(path, 0o755)
	if err != nil && errors.Is(err, fs.ErrExist) {
		// Lost a race with a concurrent creator; fine if it is a directory.
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			return nil
		}
	}
	return err
}

// WriteFile writes through a temp file in the same directory and renames it
// into place, so readers never observe a half-written document.
func (OSFS) WriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (OSFS) WriteNew(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// Archiver stores documents under root, one directory per calendar day.
type Archiver struct {
	root      string
	collision Collision
	fs        FS
	now       func() time.Time
}

func NewArchiver(root string, collision Collision, fsys FS) *Archiver {
	if fsys == nil {
		fsys = OSFS{}
	}
	if collision == "" {
		collision = CollisionOverwrite
	}
	return &Archiver{
		root:      root,
		collision: collision,
		fs:        fsys,
		now:       time.Now,
	}
}

// Root returns the archive root directory.
func (a *Archiver) Root() string {
	return a.root
}

// DirFor returns the day directory for t: <root>/DD_MM_YYYY.
func (a *Archiver) DirFor(t time.Time) string {
	return filepath.Join(a.root, t.Format(archiveDirLayout))
}

// FileNameFor returns receipt_DD_MM_YYYY_HH_MM_SS.pdf for t.
func (a *Archiver) FileNameFor(t time.Time) string {
	return archivePrefix + "_" + t.Format(archiveFileLayout) + ".pdf"
}

// EnsureDir creates the day directory for t. Calling it repeatedly, or
// concurrently, for the same day is safe.
func (a *Archiver) EnsureDir(t time.Time) (string, error) {
	dir := a.DirFor(t)
	if err := a.fs.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("%w: creating %s: %v", ErrIO, dir, err)
	}
	return dir, nil
}

// Store writes data as today's document and returns the path written.
func (a *Archiver) Store(data []byte) (string, error) {
	now := a.now()
	dir, err := a.EnsureDir(now)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, a.FileNameFor(now))

	if a.collision != CollisionSuffix {
		if err := a.fs.WriteFile(path, data); err != nil {
			return "", fmt.Errorf("%w: writing %s: %v", ErrIO, path, err)
		}
		return path, nil
	}

	base := path[:len(path)-len(".pdf")]
	candidate := path
	for n := 2; n <= maxSuffix+1; n++ {
		err := a.fs.WriteNew(candidate, data)
		if err == nil {
			return candidate, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: writing %s: %v", ErrIO, candidate, err)
		}
		candidate = base + "_" + strconv.Itoa(n) + ".pdf"
	}
	return "", fmt.Errorf("%w: no free name for %s after %d attempts", ErrIO, path, maxSuffix)
}
