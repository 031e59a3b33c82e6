package container

import (
	"fmt"
	"os"
	"sync"
)

// File is an open NanoTS container file: the fixed-size header plus
// BlockCount fixed-size blocks, along with the free-list allocator
// that hands out and reclaims block ids.
//
// File does not itself take any process-level advisory lock; that is
// layered on top by the engine, via internal/flock. File's own mutex
// only protects in-process access to the free-list head and header
// bytes.
type File struct {
	f          *os.File
	mu         sync.Mutex
	blockSize  uint64
	blockCount uint64
	freeHead   BlockID
}

// Create allocates a new, zeroed container file at path sized
// FileHeaderSize + blockSize*blockCount. It fails if path already
// exists, if blockSize is smaller than MinBlockSize, or if the
// underlying filesystem rejects the preallocation.
func Create(path string, blockSize, blockCount uint64) (*File, error) {
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("container: block size %d below minimum %d", blockSize, MinBlockSize)
	}
	if blockCount == 0 {
		return nil, fmt.Errorf("container: block count must be > 0")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, err
	}
	total := int64(FileHeaderSize) + int64(blockSize)*int64(blockCount)
	if err := f.Truncate(total); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	cf := &File{f: f, blockSize: blockSize, blockCount: blockCount}
	// Thread every block onto the free list in ascending order so
	// that the lowest-id block is always allocated first.
	for i := uint64(0); i < blockCount; i++ {
		h := Header{State: StateFree, NextBlock: NoBlock}
		if i+1 < blockCount {
			h.NextBlock = BlockID(i + 1)
		}
		if err := cf.writeHeaderRaw(BlockID(i), h); err != nil {
			f.Close()
			os.Remove(path)
			return nil, err
		}
	}
	cf.freeHead = 0
	if blockCount == 0 {
		cf.freeHead = NoBlock
	}
	if err := cf.writeFileHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return cf, nil
}

// Open opens an existing container file at path.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	var buf [FileHeaderSize]byte
	if _, err := f.ReadAt(buf[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("container: reading file header: %w", err)
	}
	h := DecodeFileHeader(buf[:])
	if h.Magic != FileMagic {
		f.Close()
		return nil, fmt.Errorf("container: bad file magic %#x", h.Magic)
	}
	if h.Version != FormatVersion {
		f.Close()
		return nil, fmt.Errorf("container: unsupported format version %d", h.Version)
	}
	return &File{
		f:          f,
		blockSize:  h.BlockSize,
		blockCount: h.BlockCount,
		freeHead:   h.FreeHead,
	}, nil
}

// Close closes the underlying file descriptor.
func (cf *File) Close() error { return cf.f.Close() }

// Sync flushes the container file to stable storage.
func (cf *File) Sync() error { return cf.f.Sync() }

// BlockSize returns the fixed size, in bytes, of every block.
func (cf *File) BlockSize() uint64 { return cf.blockSize }

// BlockCount returns the total number of blocks in the container.
func (cf *File) BlockCount() uint64 { return cf.blockCount }

// FreeBlockCount walks the free list and returns its length. It is
// only used for Reader.Stat's operational summary, not on any hot
// path.
func (cf *File) FreeBlockCount() (uint64, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	var n uint64
	cur := cf.freeHead
	for cur != NoBlock {
		h, err := cf.readHeaderRaw(cur)
		if err != nil {
			return n, err
		}
		n++
		cur = h.NextBlock
	}
	return n, nil
}

func (cf *File) blockOffset(id BlockID) int64 {
	return int64(FileHeaderSize) + int64(id)*int64(cf.blockSize)
}

func (cf *File) writeFileHeader() error {
	h := FileHeader{
		Magic:      FileMagic,
		Version:    FormatVersion,
		BlockSize:  cf.blockSize,
		BlockCount: cf.blockCount,
		FreeHead:   cf.freeHead,
	}
	buf := h.Encode()
	_, err := cf.f.WriteAt(buf[:], 0)
	return err
}

// WriteHeader rewrites just block id's header fields (with a freshly
// computed checksum), leaving the rest of the block's bytes
// untouched. Used to patch a neighbor's prev/next link when a block
// is sealed, rolled, or reclaimed.
func (cf *File) WriteHeader(id BlockID, h Header) error {
	return cf.writeHeaderRaw(id, h)
}

// writeHeaderRaw writes h's fields (with a valid checksum) at the
// start of block id, without touching the rest of the block's bytes.
func (cf *File) writeHeaderRaw(id BlockID, h Header) error {
	buf := h.Encode()
	_, err := cf.f.WriteAt(buf[:], cf.blockOffset(id))
	return err
}

// readHeaderRaw reads and decodes block id's header without
// validating its magic or checksum; used internally for free-list
// traversal, where free blocks carry a zeroed magic by design.
func (cf *File) readHeaderRaw(id BlockID) (Header, error) {
	var buf [BlockHeaderSize]byte
	if _, err := cf.f.ReadAt(buf[:], cf.blockOffset(id)); err != nil {
		return Header{}, err
	}
	h, _ := DecodeHeader(buf[:])
	// DecodeHeader's ok result reflects checksum validity, which does
	// not apply to free blocks; re-derive the fields directly instead
	// of trusting ok.
	return Header{
		Magic:      h.Magic,
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
	}, nil
}

// ReadHeader reads, decodes, and checksum-verifies the header of
// block id. ok is false if the block is corrupt.
func (cf *File) ReadHeader(id BlockID) (h Header, ok bool, err error) {
	var buf [BlockHeaderSize]byte
	if _, err := cf.f.ReadAt(buf[:], cf.blockOffset(id)); err != nil {
		return Header{}, false, err
	}
	h, ok = DecodeHeader(buf[:])
	return h, ok, nil
}

// ReadBlock reads the full BlockSize bytes of block id, including its
// header.
func (cf *File) ReadBlock(id BlockID) ([]byte, error) {
	buf := make([]byte, cf.blockSize)
	if _, err := cf.f.ReadAt(buf, cf.blockOffset(id)); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBlock persists the full BlockSize-byte buffer of block id,
// including its header (which the caller must already have encoded
// into buf[:BlockHeaderSize] via Header.Encode).
func (cf *File) WriteBlock(id BlockID, buf []byte) error {
	if uint64(len(buf)) != cf.blockSize {
		return fmt.Errorf("container: write buffer is %d bytes, want %d", len(buf), cf.blockSize)
	}
	_, err := cf.f.WriteAt(buf, cf.blockOffset(id))
	return err
}

// NewBlock returns a zeroed in-memory buffer sized for one block,
// with its header pre-encoded from h.
func NewBlock(blockSize uint64, h Header) []byte {
	buf := make([]byte, blockSize)
	enc := h.Encode()
	copy(buf, enc[:])
	return buf
}

// Allocate pops the lowest-id free block off the free list and
// returns it in StateFree; the caller is responsible for writing a
// new header (state=open, sequence, stream tag, links) before use.
// It returns container.NoBlock, false if the free list is empty.
func (cf *File) Allocate() (BlockID, bool, error) {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.freeHead == NoBlock {
		return NoBlock, false, nil
	}
	id := cf.freeHead
	h, err := cf.readHeaderRaw(id)
	if err != nil {
		return NoBlock, false, err
	}
	cf.freeHead = h.NextBlock
	if err := cf.writeFileHeader(); err != nil {
		return NoBlock, false, err
	}
	return id, true, nil
}

// Release zeroes block id's magic, marks it free, and threads it back
// onto the free list in ascending order so the lowest-id-first
// invariant holds for future Allocate calls.
func (cf *File) Release(id BlockID) error {
	cf.mu.Lock()
	defer cf.mu.Unlock()
	return cf.releaseLocked(id)
}

func (cf *File) releaseLocked(id BlockID) error {
	newHead := Header{State: StateFree, NextBlock: NoBlock}

	if cf.freeHead == NoBlock || id < cf.freeHead {
		newHead.NextBlock = cf.freeHead
		if err := cf.writeHeaderRaw(id, newHead); err != nil {
			return err
		}
		cf.freeHead = id
		return cf.writeFileHeader()
	}

	cur := cf.freeHead
	for {
		curH, err := cf.readHeaderRaw(cur)
		if err != nil {
			return err
		}
		if curH.NextBlock == NoBlock || id < curH.NextBlock {
			newHead.NextBlock = curH.NextBlock
			curH.NextBlock = id
			if err := cf.writeHeaderRaw(cur, curH); err != nil {
				return err
			}
			return cf.writeHeaderRaw(id, newHead)
		}
		cur = curH.NextBlock
	}
}
