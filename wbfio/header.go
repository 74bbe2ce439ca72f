// Package wbfio implements the fixed 36-byte binary header prepended to
// every persisted bloom filter blob.
package wbfio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the on-disk size of a Header in bytes.
const HeaderSize = 36

// magic identifies a wbf-format blob: ASCII "WBF1".
var magic = [4]byte{'W', 'B', 'F', '1'}

// Version is the only header version this codec understands.
const Version uint32 = 1

// ErrShortHeader is returned when the stream is shorter than HeaderSize.
var ErrShortHeader = errors.New("wbfio: stream shorter than header size")

// ErrBadMagic is returned when the magic bytes don't match "WBF1".
var ErrBadMagic = errors.New("wbfio: bad magic")

// ErrBadVersion is returned when the version field isn't Version.
var ErrBadVersion = errors.New("wbfio: unsupported version")

// Header is the fixed-size record prepended to a persisted filter blob.
//
//	Off  Len  Field
//	0    4    Magic = "WBF1"
//	4    4    Version (u32) = 1
//	8    8    Checksum (u64)
//	16   8    SizeInBits (i64)
//	24   4    HashCount (i32)
//	28   8    Fingerprint (u64)
type Header struct {
	Checksum    uint64
	SizeInBits  int64
	HashCount   int32
	Fingerprint uint64
}

// Encode writes h to a new 36-byte buffer in little-endian layout.
func (h Header) Encode() [HeaderSize]byte {
	var buf [HeaderSize]byte
	copy(buf[0:4], magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.Checksum)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.SizeInBits))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(h.HashCount))
	binary.LittleEndian.PutUint64(buf[28:36], h.Fingerprint)
	return buf
}

// Decode reads a Header from the first HeaderSize bytes of data. It fails if
// data is shorter than HeaderSize, the magic doesn't match, or the version
// field isn't Version.
func Decode(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(data))
	}
	if string(data[0:4]) != string(magic[:]) {
		return Header{}, fmt.Errorf("%w: got %q", ErrBadMagic, data[0:4])
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version != Version {
		return Header{}, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, version, Version)
	}

	return Header{
		Checksum:    binary.LittleEndian.Uint64(data[8:16]),
		SizeInBits:  int64(binary.LittleEndian.Uint64(data[16:24])),
		HashCount:   int32(binary.LittleEndian.Uint32(data[24:28])),
		Fingerprint: binary.LittleEndian.Uint64(data[28:36]),
	}, nil
}
