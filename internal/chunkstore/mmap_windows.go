//go:build windows

package chunkstore

import (
	"os"
	"reflect"
	"unsafe"

	"golang.org/x/sys/windows"

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

	mapHandle, err := windows.CreateFileMapping(
		windows.Handle(f.Fd()), nil, windows.PAGE_READONLY,
		uint32(size>>32), uint32(size&0xFFFFFFFF), nil)
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.KindIo, "chunkstore.GetMmap", path, err)
	}

	addr, err := windows.MapViewOfFile(mapHandle, windows.FILE_MAP_READ, 0, 0, uintptr(size))
	if err != nil {
		windows.CloseHandle(mapHandle)
		f.Close()
		return nil, errs.Wrap(errs.KindIo, "chunkstore.GetMmap", path, err)
	}

	var data []byte
	header := (*reflect.SliceHeader)(unsafe.Pointer(&data))
	header.Data = addr
	header.Len = int(size)
	header.Cap = int(size)

	return &mmapFile{
		data: data,
		closer: func() error {
			windows.UnmapViewOfFile(addr)
			windows.CloseHandle(mapHandle)
			return f.Close()
		},
	}, nil
}
