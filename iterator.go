package nanots

import (
	"github.com/dicroce/nanots/internal/container"
)

// Iterator walks one stream's frames in timestamp order, across
// sealed blocks and (if present) the live open tail, and supports
// seeking to the first frame with timestamp >= a given value.
//
// An Iterator is a snapshot: the block id list it walks is fixed at
// construction time, so a stream that grows while an Iterator is live
// will not be observed by that Iterator.
type Iterator struct {
	cf *container.File

	blockIDs []container.BlockID
	blockIdx int

	frames  []container.Frame
	seq     uint64
	pos     int
	valid   bool
}

// newIterator builds an Iterator over the given block ids, in order,
// reading their bytes through cf.
func newIterator(cf *container.File, ids []container.BlockID) (*Iterator, error) {
	it := &Iterator{cf: cf, blockIDs: ids, blockIdx: -1}
	return it, nil
}

// loadBlockAt decodes block index idx of it.blockIDs into it.frames.
// It reports ok=false, without an error, for a corrupt block;
// advanceToNonEmpty then skips past it.
func (it *Iterator) loadBlockAt(idx int) (ok bool, err error) {
	id := it.blockIDs[idx]
	buf, err := it.cf.ReadBlock(id)
	if err != nil {
		return false, err
	}
	hdr, good := container.DecodeHeader(buf[:container.BlockHeaderSize])
	if !good {
		return false, nil
	}
	it.frames = container.ScanBlock(buf, &hdr)
	it.seq = hdr.Sequence
	it.pos = 0
	return true, nil
}

// advanceToNonEmpty moves forward from block index from (inclusive) to
// the next block that decodes cleanly and holds at least one frame,
// loading it into it.frames. It reports false if no such block
// remains.
func (it *Iterator) advanceToNonEmpty(from int) (bool, error) {
	for idx := from; idx < len(it.blockIDs); idx++ {
		ok, err := it.loadBlockAt(idx)
		if err != nil {
			return false, err
		}
		if ok && len(it.frames) > 0 {
			it.blockIdx = idx
			return true, nil
		}
		// Corrupt or empty: skip and keep scanning forward.
	}
	return false, nil
}

// Reset repositions the iterator before its first frame. Valid
// returns false until Next is called to move onto the first frame.
func (it *Iterator) Reset() error {
	it.blockIdx = -1
	it.frames = nil
	it.pos = 0
	it.valid = false
	return nil
}

// Next advances the iterator to the next frame and reports whether
// one was found.
func (it *Iterator) Next() (bool, error) {
	if it.blockIdx < 0 {
		ok, err := it.advanceToNonEmpty(0)
		if err != nil || !ok {
			it.valid = false
			return false, err
		}
		it.valid = true
		return true, nil
	}

	it.pos++
	if it.pos < len(it.frames) {
		it.valid = true
		return true, nil
	}

	ok, err := it.advanceToNonEmpty(it.blockIdx + 1)
	if err != nil || !ok {
		it.valid = false
		return false, err
	}
	it.valid = true
	return true, nil
}

// Find seeks the iterator to the first frame with timestamp >= ts,
// using the per-block directory binary search on sealed blocks and a
// linear scan on the live open tail. It reports false if no such
// frame exists in the iterator's current block set.
func (it *Iterator) Find(ts int64) (bool, error) {
	for idx := 0; idx < len(it.blockIDs); idx++ {
		id := it.blockIDs[idx]
		buf, err := it.cf.ReadBlock(id)
		if err != nil {
			return false, err
		}
		hdr, ok := container.DecodeHeader(buf[:container.BlockHeaderSize])
		if !ok || hdr.FrameCount == 0 {
			continue
		}
		if hdr.LastTS < ts {
			continue
		}
		if hdr.State == container.StateSealed {
			i, found := container.FindGE(buf, &hdr, ts)
			if !found {
				continue
			}
			it.frames = container.ScanBlock(buf, &hdr)
			it.seq = hdr.Sequence
			it.pos = i
			it.blockIdx = idx
			it.valid = true
			return true, nil
		}
		// Open tail: directory entries may not all be durable yet, so
		// scan linearly instead of trusting FindGE.
		frames := container.ScanBlock(buf, &hdr)
		for i, f := range frames {
			if f.Timestamp >= ts {
				it.frames = frames
				it.seq = hdr.Sequence
				it.pos = i
				it.blockIdx = idx
				it.valid = true
				return true, nil
			}
		}
	}
	it.valid = false
	return false, nil
}

// Valid reports whether the iterator currently sits on a frame.
func (it *Iterator) Valid() bool { return it.valid }

// Current returns the frame the iterator currently sits on. When Valid
// is false, Current either panics or returns the frame the iterator
// last sat on; callers must check Valid before calling Current.
func (it *Iterator) Current() Frame {
	f := it.frames[it.pos]
	return Frame{
		Timestamp:     f.Timestamp,
		Flags:         f.Flags,
		Payload:       f.Payload,
		BlockSequence: it.seq,
	}
}

// Close releases the iterator's resources. An Iterator obtained from
// Reader.OpenIterator does not own the container file, so Close is a
// no-op kept for API symmetry with Reader and Writer.
func (it *Iterator) Close() error { return nil }

// OpenIterator returns an Iterator over streamName's frames, covering
// every sealed block plus the live open tail if one exists, as of the
// moment of the call.
func (r *Reader) OpenIterator(streamName string) (*Iterator, error) {
	ids, err := r.cat.StreamBlockIDs(streamName)
	if err != nil {
		return nil, E(IoError, "stream block ids", err)
	}
	blockIDs := make([]container.BlockID, len(ids))
	for i, id := range ids {
		blockIDs[i] = container.BlockID(id)
	}

	s, ok, err := r.cat.GetStream(streamName)
	if err != nil {
		return nil, E(IoError, "get stream", err)
	}
	if ok && s.HasTail {
		tail := container.BlockID(s.TailBlock)
		if len(blockIDs) == 0 || blockIDs[len(blockIDs)-1] != tail {
			hdr, good, err := r.cf.ReadHeader(tail)
			if err == nil && good && hdr.State == container.StateOpen {
				blockIDs = append(blockIDs, tail)
			}
		}
	}

	return newIterator(r.cf, blockIDs)
}
