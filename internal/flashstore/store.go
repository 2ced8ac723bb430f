// Package flashstore implements the factory-data record format used to
// persist the gateway master secret and the NTAG terminal key across
// reboots: a magic-tagged, versioned, CRC-protected record written to
// a dedicated flash sector.
//
// This uses the stdlib IEEE CRC32 polynomial, which is deliberately
// distinct from the DESFire CRC32 NXP specifies for ChangeKey — the
// two protect unrelated wire formats and must not be confused.
package flashstore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

var magic = [4]byte{'M', 'A', 'C', '0'}

const (
	headerLen   = 4 + 1 + 2 + 1 // magic + version + length + reserved
	currentVers = 1
)

// ErrNotProvisioned is returned by Read whenever the stored record
// fails any structural check: bad magic, unsupported version, length
// that overruns the sector, or CRC mismatch.
var ErrNotProvisioned = errors.New("flashstore: not provisioned")

// Sector abstracts the underlying flash block. Flash can only clear
// bits to 0 in place; a fresh write requires an Erase first.
type Sector interface {
	Erase() error
	WriteAt(offset int, data []byte) error
	ReadAt(offset, length int) ([]byte, error)
	Size() int
}

// Store reads and writes one factory-data record to a Sector.
type Store struct {
	sector Sector
}

// New wraps sector in a Store.
func New(sector Sector) *Store {
	return &Store{sector: sector}
}

// Read validates and returns the stored payload. ErrNotProvisioned is
// returned for any structural or CRC mismatch, per the invariant that
// a successful read implies a CRC match.
func (s *Store) Read() ([]byte, error) {
	header, err := s.sector.ReadAt(0, headerLen)
	if err != nil {
		return nil, ErrNotProvisioned
	}
	if header[0] != magic[0] || header[1] != magic[1] || header[2] != magic[2] || header[3] != magic[3] {
		return nil, ErrNotProvisioned
	}
	version := header[4]
	if version != currentVers {
		return nil, ErrNotProvisioned
	}
	length := int(binary.LittleEndian.Uint16(header[5:7]))
	if headerLen+length+4 > s.sector.Size() {
		return nil, ErrNotProvisioned
	}

	body, err := s.sector.ReadAt(headerLen, length+4)
	if err != nil {
		return nil, ErrNotProvisioned
	}
	payload := body[:length]
	storedCRC := binary.LittleEndian.Uint32(body[length : length+4])

	want := crc32.ChecksumIEEE(append(append([]byte{}, header...), payload...))
	if want != storedCRC {
		return nil, ErrNotProvisioned
	}
	return payload, nil
}

// Write erases the sector then writes the whole record atomically
// (from the caller's perspective — Erase followed immediately by one
// WriteAt call).
func (s *Store) Write(payload []byte) error {
	if headerLen+len(payload)+4 > s.sector.Size() {
		return errors.New("flashstore: payload too large for sector")
	}
	record := make([]byte, 0, headerLen+len(payload)+4)
	record = append(record, magic[:]...)
	record = append(record, currentVers)
	lenBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(lenBuf, uint16(len(payload)))
	record = append(record, lenBuf...)
	record = append(record, 0x00) // reserved
	record = append(record, payload...)

	crc := crc32.ChecksumIEEE(record)
	crcBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(crcBuf, crc)
	record = append(record, crcBuf...)

	if err := s.sector.Erase(); err != nil {
		return err
	}
	return s.sector.WriteAt(0, record)
}

// Clear erases the sector, so a subsequent Read returns ErrNotProvisioned.
func (s *Store) Clear() error {
	return s.sector.Erase()
}
