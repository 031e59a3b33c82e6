// Package container implements the NanoTS on-disk container file: a
// pre-allocated, fixed-size file of fixed-size blocks with a small
// free-list allocator, plus the in-block frame codec.
package container

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// All integers are little-endian on disk, per the NanoTS wire format.
var byteOrder = binary.LittleEndian

const (
	// FileMagic identifies a NanoTS container file ("NANT").
	FileMagic uint32 = 0x4E414E54
	// FormatVersion is the only on-disk format version this package
	// writes and reads.
	FormatVersion uint32 = 1
	// FileHeaderSize is the fixed size, in bytes, of the container's
	// leading FileHeader.
	FileHeaderSize = 64

	// BlockMagic identifies a live block header ("BLK1").
	BlockMagic uint32 = 0x424C4B31
	// BlockHeaderSize is the fixed size, in bytes, of a block's header.
	BlockHeaderSize = 128
	// DirEntrySize is the size, in bytes, of one frame-directory entry.
	DirEntrySize = 4
	// FrameHeaderSize is the size, in bytes, of a frame's fixed header
	// (timestamp + flags + length), not including the payload.
	FrameHeaderSize = 16

	// checksumKey0/1 seed the SipHash-2-4 used for block header
	// checksums. NanoTS checksums are for corruption detection only,
	// not authentication, so a fixed key is fine.
	checksumKey0 uint64 = 0x4e616e6f54534b30
	checksumKey1 uint64 = 0x4e616e6f54534b31
)

// NoBlock is the sentinel BlockID meaning "no block": an empty
// prev/next link, an empty free list, or a stream with no blocks yet.
const NoBlock BlockID = ^BlockID(0)

// BlockID addresses a block within a container file by its ordinal
// position (block 0 is the first block after the file header).
type BlockID uint64

// State is a block's lifecycle state.
type State uint32

const (
	// StateFree blocks are unreferenced and sit on the allocator's
	// free list.
	StateFree State = iota
	// StateOpen blocks are the live tail of some stream's writer and
	// may still be appended to.
	StateOpen
	// StateSealed blocks are immutable and catalogued.
	StateSealed
)

// FileHeader is the container file's fixed 64-byte leading header.
type FileHeader struct {
	Magic      uint32
	Version    uint32
	BlockSize  uint64
	BlockCount uint64
	FreeHead   BlockID
}

// Encode writes h into a FileHeaderSize-byte buffer.
func (h *FileHeader) Encode() [FileHeaderSize]byte {
	var buf [FileHeaderSize]byte
	byteOrder.PutUint32(buf[0:4], h.Magic)
	byteOrder.PutUint32(buf[4:8], h.Version)
	byteOrder.PutUint64(buf[8:16], h.BlockSize)
	byteOrder.PutUint64(buf[16:24], h.BlockCount)
	byteOrder.PutUint64(buf[24:32], uint64(h.FreeHead))
	// buf[32:64] is reserved, left zero.
	return buf
}

// DecodeFileHeader parses a FileHeaderSize-byte buffer into a FileHeader.
func DecodeFileHeader(buf []byte) FileHeader {
	return FileHeader{
		Magic:      byteOrder.Uint32(buf[0:4]),
		Version:    byteOrder.Uint32(buf[4:8]),
		BlockSize:  byteOrder.Uint64(buf[8:16]),
		BlockCount: byteOrder.Uint64(buf[16:24]),
		FreeHead:   BlockID(byteOrder.Uint64(buf[24:32])),
	}
}

// Header is a block's fixed 128-byte leading header.
type Header struct {
	Magic      uint32
	State      State
	Sequence   uint64
	StreamTag  uint64
	FirstTS    int64
	LastTS     int64
	PrevBlock  BlockID
	NextBlock  BlockID
	FrameCount uint32
	BytesUsed  uint32
	DirOffset  uint32
}

// checksum computes the SipHash-2-4 digest of h's fields, excluding
// the checksum itself. It is recomputed on every load to detect
// corruption.
func (h *Header) checksum() uint64 {
	var buf [BlockHeaderSize - 8]byte
	encodeHeaderBody(&buf, h)
	return siphash.Hash(checksumKey0, checksumKey1, buf[:])
}

func encodeHeaderBody(buf *[BlockHeaderSize - 8]byte, h *Header) {
	byteOrder.PutUint32(buf[0:4], h.Magic)
	byteOrder.PutUint32(buf[4:8], uint32(h.State))
	byteOrder.PutUint64(buf[8:16], h.Sequence)
	byteOrder.PutUint64(buf[16:24], h.StreamTag)
	byteOrder.PutUint64(buf[24:32], uint64(h.FirstTS))
	byteOrder.PutUint64(buf[32:40], uint64(h.LastTS))
	byteOrder.PutUint64(buf[40:48], uint64(h.PrevBlock))
	byteOrder.PutUint64(buf[48:56], uint64(h.NextBlock))
	byteOrder.PutUint32(buf[56:60], h.FrameCount)
	byteOrder.PutUint32(buf[60:64], h.BytesUsed)
	byteOrder.PutUint32(buf[64:68], h.DirOffset)
	// buf[68:120] is reserved, left zero.
}

// Encode writes h, including a freshly computed checksum, into a
// BlockHeaderSize-byte buffer.
func (h *Header) Encode() [BlockHeaderSize]byte {
	var buf [BlockHeaderSize]byte
	var body [BlockHeaderSize - 8]byte
	encodeHeaderBody(&body, h)
	copy(buf[:BlockHeaderSize-8], body[:])
	sum := siphash.Hash(checksumKey0, checksumKey1, body[:])
	byteOrder.PutUint64(buf[BlockHeaderSize-8:], sum)
	return buf
}

// DecodeHeader parses a BlockHeaderSize-byte buffer into a Header and
// verifies its checksum. ok is false if the magic or checksum do not
// match, in which case the caller should treat the block as corrupt.
func DecodeHeader(buf []byte) (h Header, ok bool) {
	h = Header{
		Magic:      byteOrder.Uint32(buf[0:4]),
		State:      State(byteOrder.Uint32(buf[4:8])),
		Sequence:   byteOrder.Uint64(buf[8:16]),
		StreamTag:  byteOrder.Uint64(buf[16:24]),
		FirstTS:    int64(byteOrder.Uint64(buf[24:32])),
		LastTS:     int64(byteOrder.Uint64(buf[32:40])),
		PrevBlock:  BlockID(byteOrder.Uint64(buf[40:48])),
		NextBlock:  BlockID(byteOrder.Uint64(buf[48:56])),
		FrameCount: byteOrder.Uint32(buf[56:60]),
		BytesUsed:  byteOrder.Uint32(buf[60:64]),
		DirOffset:  byteOrder.Uint32(buf[64:68]),
	}
	if h.Magic != BlockMagic {
		return h, false
	}
	wantSum := byteOrder.Uint64(buf[BlockHeaderSize-8:])
	return h, h.checksum() == wantSum
}

// MaxPayload returns the largest payload length that can ever fit in
// a single block of the given size, i.e. an otherwise-empty block
// holding exactly one frame.
func MaxPayload(blockSize uint64) int {
	usable := int64(blockSize) - BlockHeaderSize - FrameHeaderSize - DirEntrySize
	if usable < 0 {
		return 0
	}
	return int(usable)
}

// MinBlockSize is the smallest block size that can hold a zero-length
// payload frame plus its directory entry.
const MinBlockSize = BlockHeaderSize + FrameHeaderSize + DirEntrySize
