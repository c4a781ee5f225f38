//go:build unix || darwin || linux || freebsd || openbsd || netbsd

package chunkstore

import (
	"os"
	"syscall"

	"rhizo/internal/errs"
)

func openMmap(path string) (*mmapFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Wrap(errs.KindNotFound, "chunkstore.GetMmap", path, err)
		}
		return nil, errs.Wrap(errs.KindIo, "chunkstore.GetMmap", path, err)
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIo, "chunkstore.GetMmap", path, err)
	}
	size := stat.Size()
	if size == 0 {
		f.Close()
		return &mmapFile{data: nil}, nil
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIo, "chunkstore.GetMmap", path, err)
	}

	return &mmapFile{
		data: data,
		closer: func() error {
			if uerr := syscall.Munmap(data); uerr != nil {
				f.Close()
				return uerr
			}
			return f.Close()
		},
	}, nil
}
