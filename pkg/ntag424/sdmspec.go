package ntag424

import "fmt"

// This file builds the exact, fixed-layout SDM NDEF template and file
// settings payload used by the personalization pipeline, as opposed to
// ndef.go's BuildSDMNDEF (which sizes itself to an arbitrary base URL
// and is kept for the older key-swap/reset tooling's three-key layout).
// The pipeline needs byte-identical offsets across runs so a partially
// personalized tag can be re-verified idempotently, so the host
// component of the URL is a fixed 9-character placeholder chosen so
// the two write chunks land on exactly 44 bytes each:
//
//	offset 0:  NLEN (2 bytes, big-endian record length)
//	offset 2:  TNF/flags 0xD1, type-length 0x01, payload-length
//	offset 5:  type 'U', prefix code 0x00 (no abbreviation, literal scheme)
//	offset 7:  "https://access.io/tag?picc=" (27 bytes) ends at offset 34
//	offset 34: 32 ASCII-hex zero placeholders for the encrypted PICC data block
//	offset 66: "&cmac=" (6 bytes) ends at offset 72
//	offset 72: 16 ASCII-hex zero placeholders for the truncated SDM MAC
//	offset 88: end
//
// which is exactly spec's PICC@0x22 (34), MAC-input@0x22 (34, the MAC
// covers the same span the PICC placeholder starts at), MAC@0x48 (72),
// and a template total of 88 bytes split into two 44-byte plain writes.
const (
	sdmHost          = "access.io"
	sdmPICCOffset    = 0x22
	sdmMACInputOffset = 0x22
	sdmMACOffset     = 0x48
	sdmTemplateLen   = 88
	sdmChunkLen      = 44
)

// SpecSDMTemplate is the fixed-layout NDEF+SDM template used by the
// personalization pipeline.
type SpecSDMTemplate struct {
	NDEF           []byte // 88 bytes total
	Chunk1, Chunk2 []byte // the two 44-byte plain-mode writes
	PICCOffset     uint32
	MACInputOffset uint32
	MACOffset      uint32
}

// BuildSpecSDMTemplate constructs the fixed NDEF template §6 describes:
// an NDEF URI record whose PICC-data and CMAC placeholders sit at
// fixed offsets regardless of tag contents, so ChangeFileSettings can
// be configured with literal offset constants and the whole thing can
// be verified byte-for-byte on a re-run.
func BuildSpecSDMTemplate() (*SpecSDMTemplate, error) {
	uri := "https://" + sdmHost + "/tag?picc=" + zeroHex(32) + "&cmac=" + zeroHex(16)
	payloadLen := 1 + len(uri) // prefix code + uri
	recordLen := 4 + payloadLen
	total := 2 + recordLen
	if total != sdmTemplateLen {
		return nil, fmt.Errorf("ntag424: internal SDM template length %d != %d", total, sdmTemplateLen)
	}

	ndef := make([]byte, total)
	ndef[0] = byte((recordLen >> 8) & 0xFF)
	ndef[1] = byte(recordLen & 0xFF)
	ndef[2] = 0xD1
	ndef[3] = 0x01
	ndef[4] = byte(payloadLen)
	ndef[5] = 0x55
	ndef[6] = 0x00
	copy(ndef[7:], []byte(uri))

	if ndef[sdmPICCOffset] != '0' || ndef[sdmMACOffset] != '0' {
		return nil, fmt.Errorf("ntag424: SDM template offsets do not line up with placeholders")
	}

	return &SpecSDMTemplate{
		NDEF:           ndef,
		Chunk1:         ndef[:sdmChunkLen],
		Chunk2:         ndef[sdmChunkLen:],
		PICCOffset:     sdmPICCOffset,
		MACInputOffset: sdmMACInputOffset,
		MACOffset:      sdmMACOffset,
	}, nil
}

func zeroHex(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = '0'
	}
	return string(b)
}

// SpecSDMFileOption, SpecSDMAR1/AR2, SpecSDMOptions, and
// SpecSDMAccessLo/Hi are the literal byte values spec.md §6 names for
// the NDEF file's ChangeFileSettings payload: FileOption 0x40 (CommMode
// plain, SDM enabled), access rights 0xE0/0xE0 (read=free, write=key0,
// RW=free, change=key0), SDM options 0xC1 (UID+counter mirroring,
// ASCII encoding), SDM access 0xFE/0x13 (meta read key 1, SDM file
// read key 3 — the tag's fleet-wide terminal key decrypts the PICC
// mirror offline; the per-tag SDM-MAC key, slot 3, covers the MAC).
const (
	SpecSDMFileOption = 0x40
	SpecSDMAR1        = 0xE0
	SpecSDMAR2        = 0xE0
	SpecSDMOptions    = 0xC1
	SpecSDMAccessLo   = 0xFE
	SpecSDMAccessHi   = 0x13
)

// BuildSpecSDMFileSettings returns the literal 15-byte ChangeFileSettings
// payload for the NDEF file (file 0x02), matching spec.md §6 exactly:
// FileOption, AR1, AR2, SDMOptions, SDMAccess(2), then the three
// 24-bit little-endian offsets (PICC, MAC-input, MAC).
func BuildSpecSDMFileSettings(t *SpecSDMTemplate) []byte {
	data := make([]byte, 0, 15)
	data = append(data, SpecSDMFileOption, SpecSDMAR1, SpecSDMAR2, SpecSDMOptions, SpecSDMAccessLo, SpecSDMAccessHi)
	data = append(data, u24le(t.PICCOffset)...)
	data = append(data, u24le(t.MACInputOffset)...)
	data = append(data, u24le(t.MACOffset)...)
	return data
}
