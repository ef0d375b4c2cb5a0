package reader

import (
	"bytes"
	"os"

	"github.com/edsrzf/mmap-go"
)

// mmapReader serves an uncompressed archive straight out of a read-only
// memory map.
type mmapReader struct {
	*bytes.Reader
	region mmap.MMap
	file   *os.File
}

func (m *mmapReader) Close() error {
	var unmapErr error
	if m.region != nil {
		unmapErr = m.region.Unmap()
	}
	closeErr := m.file.Close()
	if unmapErr != nil {
		return unmapErr
	}
	return closeErr
}

func readMmap(file *os.File) (*mmapReader, error) {
	stat, statErr := file.Stat()
	if statErr != nil {
		return nil, statErr
	}
	// Zero length files cannot be mapped.
	if stat.Size() == 0 {
		return &mmapReader{bytes.NewReader(nil), nil, file}, nil
	}
	fileMmap, mmapErr := mmap.Map(file, mmap.RDONLY, 0)
	if mmapErr != nil {
		return nil, mmapErr
	}
	return &mmapReader{bytes.NewReader(fileMmap), fileMmap, file}, nil
}
