package dex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"

	"github.com/pkg/errors"
)

const (
	// HeaderSize is the size of header_item for every supported version.
	HeaderSize = 0x70

	endianConstant        = 0x12345678
	reverseEndianConstant = 0x78563412

	// NoIndex marks an absent superclass, source file or similar reference.
	NoIndex = 0xffffffff
)

var (
	ErrBadMagic          = errors.New("not a DEX file")
	ErrUnsupportedEndian = errors.New("unsupported endianness")
	ErrTruncated         = errors.New("truncated DEX data")
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrChecksum          = errors.New("checksum mismatch")
	ErrSignature         = errors.New("signature mismatch")
)

// Header mirrors header_item, see
// https://source.android.com/docs/core/runtime/dex-format#header-item
type Header struct {
	Magic         [8]byte
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	LinkSize      uint32
	LinkOff       uint32
	MapOff        uint32
	StringIdsSize uint32
	StringIdsOff  uint32
	TypeIdsSize   uint32
	TypeIdsOff    uint32
	ProtoIdsSize  uint32
	ProtoIdsOff   uint32
	FieldIdsSize  uint32
	FieldIdsOff   uint32
	MethodIdsSize uint32
	MethodIdsOff  uint32
	ClassDefsSize uint32
	ClassDefsOff  uint32
	DataSize      uint32
	DataOff       uint32
}

// Version returns the three digit format version from the magic, e.g. "035".
func (h *Header) Version() string {
	return string(h.Magic[4:7])
}

func parseHeader(data []byte) (Header, error) {
	var h Header
	if len(data) < HeaderSize {
		return h, errors.Wrapf(ErrTruncated, "header needs %d bytes, have %d", HeaderSize, len(data))
	}
	if !validMagic(data[:8]) {
		return h, ErrBadMagic
	}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.LittleEndian, &h); err != nil {
		return h, errors.Wrap(err, "failed to decode DEX header")
	}
	switch h.EndianTag {
	case endianConstant:
	case reverseEndianConstant:
		return h, errors.Wrap(ErrUnsupportedEndian, "big-endian DEX")
	default:
		return h, errors.Wrapf(ErrUnsupportedEndian, "endian tag 0x%08x", h.EndianTag)
	}
	return h, nil
}

// validMagic accepts "dex\n035\0" through "dex\n041\0".
func validMagic(m []byte) bool {
	if !bytes.Equal(m[:4], []byte("dex\n")) || m[7] != 0 {
		return false
	}
	for _, c := range m[4:7] {
		if c < '0' || c > '9' {
			return false
		}
	}
	v := string(m[4:7])
	return v >= "035" && v <= "041"
}

// Checksum returns the Adler-32 of everything after the checksum field.
func Checksum(image []byte) uint32 {
	return adler32.Checksum(image[12:])
}

// Signature returns the SHA-1 of everything after the signature field.
func Signature(image []byte) [20]byte {
	return sha1.Sum(image[32:])
}

// Resign recomputes signature and checksum in place. The signature has to
// be written first since the checksum covers it.
func Resign(image []byte) {
	if len(image) < 32 {
		return
	}
	sig := Signature(image)
	copy(image[12:32], sig[:])
	binary.LittleEndian.PutUint32(image[8:12], Checksum(image))
}
