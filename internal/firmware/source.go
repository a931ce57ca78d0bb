package firmware

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// File is open firmware binary. ReadAt must be safe for concurrent use.
type File interface {
	io.ReaderAt
	io.Closer
	Size() int64
}

type Source interface {
	Open(ctx context.Context, name string) (File, error)
	String() string
}

// Directory layout of firmware tree. Only active files are served.
const (
	DirUpload  = "upload"
	DirActive  = "active"
	DirArchive = "archive"
)

// DirSource serves files from <root>/active.
type DirSource struct {
	root string
}

func NewDirSource(root string) (*DirSource, error) {
	for _, d := range []string{DirUpload, DirActive, DirArchive} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, errors.Annotatef(err, "firmware dir=%s", root)
		}
	}
	return &DirSource{root: root}, nil
}

func (self *DirSource) String() string { return "dir:" + self.root }

func (self *DirSource) Open(ctx context.Context, name string) (File, error) {
	if name == "" || filepath.Base(name) != name {
		return nil, Errorf(CodeAccessDenied, "firmware name=%q", name)
	}
	return OpenFile(filepath.Join(self.root, DirActive, name))
}

// Promote moves uploaded file into active, making it servable.
func (self *DirSource) Promote(name string) error {
	return self.move(name, DirUpload, DirActive)
}

// Archive moves active file out of service.
func (self *DirSource) Archive(name string) error {
	return self.move(name, DirActive, DirArchive)
}

func (self *DirSource) move(name, from, to string) error {
	if name == "" || filepath.Base(name) != name {
		return errors.NotValidf("firmware name=%q", name)
	}
	err := os.Rename(filepath.Join(self.root, from, name), filepath.Join(self.root, to, name))
	return errors.Annotatef(err, "firmware %s %s->%s", name, from, to)
}

type osFile struct {
	*os.File
	size int64
}

func (self osFile) Size() int64 { return self.size }

// OpenFile opens local file with error codes applied.
func OpenFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, NewError(CodeFileNotFound, err)
		case os.IsPermission(err):
			return nil, NewError(CodeAccessDenied, err)
		}
		return nil, errors.Annotatef(err, "firmware open")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "firmware stat")
	}
	if !fi.Mode().IsRegular() {
		f.Close()
		return nil, Errorf(CodeFileNotFound, "firmware path=%s not a regular file", path)
	}
	return osFile{File: f, size: fi.Size()}, nil
}
