package container

import "sort"

// Frame is one decoded record: a timestamp, caller-defined flags, and
// an opaque payload.
type Frame struct {
	Timestamp int64
	Flags     uint32
	Payload   []byte
}

// FlushAfter is the one frame flag NanoTS interprets itself; all
// other bits are opaque and returned verbatim.
const FlushAfter uint32 = 1 << 0

// usableSpace returns the number of bytes available to frames and
// their directory within a block of size blockSize.
func usableSpace(blockSize uint64) int {
	return int(blockSize) - BlockHeaderSize
}

// Fits reports whether a frame with the given payload length can be
// appended to a block with header h given blockSize, without
// mutating anything.
func Fits(h *Header, blockSize uint64, payloadLen int) bool {
	needed := FrameHeaderSize + payloadLen
	dirBytes := (int(h.FrameCount) + 1) * DirEntrySize
	return int(h.BytesUsed)+needed+dirBytes <= usableSpace(blockSize)
}

// AppendFrame writes a frame into buf (a full block-sized byte slice)
// at the block's current write position and appends its directory
// entry, updating h in place. It reports false (BlockFull) without
// mutating buf if the frame does not fit.
//
// Frames must be appended in non-decreasing timestamp order; the
// caller is responsible for enforcing that invariant before calling
// AppendFrame.
func AppendFrame(buf []byte, h *Header, blockSize uint64, ts int64, flags uint32, payload []byte) bool {
	if !Fits(h, blockSize, len(payload)) {
		return false
	}
	off := BlockHeaderSize + int(h.BytesUsed)
	byteOrder.PutUint64(buf[off:off+8], uint64(ts))
	byteOrder.PutUint32(buf[off+8:off+12], flags)
	byteOrder.PutUint32(buf[off+12:off+16], uint32(len(payload)))
	copy(buf[off+FrameHeaderSize:], payload)

	dirIdx := int(h.FrameCount)
	dirOff := len(buf) - (dirIdx+1)*DirEntrySize
	byteOrder.PutUint32(buf[dirOff:dirOff+DirEntrySize], uint32(off))

	if h.FrameCount == 0 {
		h.FirstTS = ts
	}
	h.LastTS = ts
	h.FrameCount++
	h.BytesUsed += uint32(FrameHeaderSize + len(payload))
	h.DirOffset = uint32(dirOff)
	return true
}

// readFrameAt decodes the frame whose header begins at byte offset
// off within buf.
func readFrameAt(buf []byte, off uint32) Frame {
	ts := int64(byteOrder.Uint64(buf[off : off+8]))
	flags := byteOrder.Uint32(buf[off+8 : off+12])
	n := byteOrder.Uint32(buf[off+12 : off+16])
	payload := make([]byte, n)
	copy(payload, buf[off+FrameHeaderSize:uint32(off)+FrameHeaderSize+n])
	return Frame{Timestamp: ts, Flags: flags, Payload: payload}
}

// dirEntry returns the byte offset stored in directory slot i (0 is
// the first frame appended).
func dirEntry(buf []byte, i int) uint32 {
	off := len(buf) - (i+1)*DirEntrySize
	return byteOrder.Uint32(buf[off : off+DirEntrySize])
}

// ScanBlock decodes every frame in buf, in append order, without
// relying on the directory. Used for the open tail block, where the
// directory is not trusted to be complete under a concurrent
// snapshot read.
func ScanBlock(buf []byte, h *Header) []Frame {
	frames := make([]Frame, 0, h.FrameCount)
	off := uint32(BlockHeaderSize)
	end := uint32(BlockHeaderSize) + h.BytesUsed
	for off < end && len(frames) < int(h.FrameCount) {
		f := readFrameAt(buf, off)
		frames = append(frames, f)
		off += FrameHeaderSize + uint32(len(f.Payload))
	}
	return frames
}

// FrameAt decodes the i'th frame (0-based, append order) of a sealed
// block using its directory, in O(1).
func FrameAt(buf []byte, h *Header, i int) Frame {
	return readFrameAt(buf, dirEntry(buf, i))
}

// FindGE returns the index of the first frame (in append/timestamp
// order) whose timestamp is >= ts, using a binary search over the
// sealed block's directory. found is false if every frame's timestamp
// is < ts.
func FindGE(buf []byte, h *Header, ts int64) (index int, found bool) {
	n := int(h.FrameCount)
	i := sort.Search(n, func(i int) bool {
		return readFrameAt(buf, dirEntry(buf, i)).Timestamp >= ts
	})
	if i >= n {
		return n, false
	}
	return i, true
}
