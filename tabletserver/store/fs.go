package store

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

type (
	RawFS interface {
		CreateRawFile(name string) (RawFile, error)
		OpenRawFile(name string) (RawFile, error)
		ReadDir(dir string) ([]string, error)
	}
	RawFile interface {
		Read(p []byte) (n int, err error)
		Write(p []byte) (n int, err error)
		Close() error
	}

	Stats struct {
		Total     int64
		Free      int64
		Available int64
	}
)

type posixRawFS struct {
	path string
}

func (r *posixRawFS) CreateRawFile(name string) (RawFile, error) {
	filePath := r.path + "/" + name

	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
			return nil, err
		}
		return os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	}
	return f, nil
}

func (r *posixRawFS) OpenRawFile(name string) (RawFile, error) {
	return os.OpenFile(r.path+"/"+name, os.O_RDONLY, 0o644)
}

func (r *posixRawFS) ReadDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(r.path + "/" + dir)
	if err != nil {
		return nil, err
	}

	ret := make([]string, len(entries))
	for i := range entries {
		ret[i] = entries[i].Name()
	}

	return ret, nil
}

// StatFS reports the capacity of the filesystem holding path.
func StatFS(path string) (Stats, error) {
	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return Stats{}, err
	}
	bsize := int64(fs.Bsize)
	return Stats{
		Total:     int64(fs.Blocks) * bsize,
		Free:      int64(fs.Bfree) * bsize,
		Available: int64(fs.Bavail) * bsize,
	}, nil
}
