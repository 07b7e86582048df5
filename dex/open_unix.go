//go:build unix

package dex

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Open maps a DEX file read-only and parses it. Close the File to unmap.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading dex %s", path)
	}
	defer fd.Close()

	fi, err := fd.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "reading dex %s", path)
	}
	if fi.Size() < HeaderSize {
		return nil, errors.Wrapf(ErrBadMagic, "reading dex %s", path)
	}

	data, err := unix.Mmap(int(fd.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", path)
	}
	f, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, errors.Wrapf(err, "reading dex %s", path)
	}
	f.Name = path
	f.closer = func() error { return unix.Munmap(data) }
	return f, nil
}
