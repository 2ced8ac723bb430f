package flashstore

import (
	"fmt"
	"os"
)

// FileSector backs a Sector with a fixed-size plain file on disk, for
// hosts where the factory-data sector isn't a real memory-mapped flash
// region: development machines and the cmd/terminal reference binary.
// On real hardware this role is played by a memory-mapped flash driver
// satisfying the same Sector interface.
type FileSector struct {
	path string
	size int
}

// OpenFileSector opens (creating if absent) a size-byte file at path
// to back a Sector. An existing file shorter than size is grown,
// padded with 0xFF to mirror an erased flash cell's reset value.
func OpenFileSector(path string, size int) (*FileSector, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("flashstore: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("flashstore: stat %s: %w", path, err)
	}
	if info.Size() < int64(size) {
		pad := make([]byte, int64(size)-info.Size())
		for i := range pad {
			pad[i] = 0xFF
		}
		if _, err := f.WriteAt(pad, info.Size()); err != nil {
			return nil, fmt.Errorf("flashstore: grow %s: %w", path, err)
		}
	}
	return &FileSector{path: path, size: size}, nil
}

func (s *FileSector) Erase() error {
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, s.size)
	for i := range buf {
		buf[i] = 0xFF
	}
	_, err = f.WriteAt(buf, 0)
	return err
}

func (s *FileSector) WriteAt(offset int, data []byte) error {
	if offset < 0 || offset+len(data) > s.size {
		return fmt.Errorf("flashstore: write out of range")
	}
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteAt(data, int64(offset))
	return err
}

func (s *FileSector) ReadAt(offset, length int) ([]byte, error) {
	if offset < 0 || offset+length > s.size {
		return nil, fmt.Errorf("flashstore: read out of range")
	}
	f, err := os.OpenFile(s.path, os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, int64(offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *FileSector) Size() int {
	return s.size
}
