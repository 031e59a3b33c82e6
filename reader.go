package nanots

import (
	"log"

	"github.com/google/uuid"

	"github.com/dicroce/nanots/internal/catalog"
	"github.com/dicroce/nanots/internal/container"
	"github.com/dicroce/nanots/internal/flock"
)

// Reader provides range, point, and metadata queries over a NanoTS
// container. A Reader holds only snapshots: a catalog query result plus
// whatever block bytes it has read; it never retains a reference that
// could be invalidated by a concurrent append.
type Reader struct {
	path string
	cf   *container.File
	cat  *catalog.Catalog
	lock flock.Lock
}

// OpenReader opens path for reading, taking the container's lock in
// shared mode. Any number of Readers may hold it at once, but it
// conflicts with a Writer's exclusive lock on the same container:
// OpenReader blocks while a Writer has the container open, and
// OpenWriter blocks while any Reader does. A Reader therefore never
// runs alongside a live Writer.
func OpenReader(path string) (*Reader, error) {
	cf, cat, lock, err := openShared(path, false)
	if err != nil {
		return nil, err
	}
	return &Reader{path: path, cf: cf, cat: cat, lock: lock}, nil
}

// Close releases the reader's resources and its shared container lock.
func (r *Reader) Close() error {
	var firstErr error
	if err := r.cf.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.cat.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Read returns every frame of stream whose timestamp falls in [lo,
// hi] (inclusive), in timestamp order, restricted to sealed
// (catalogued, committed) blocks: a read sees a prefix of the
// writer's committed frames, never a partial frame.
//
// A corrupt block is skipped with a logged warning rather than
// failing the whole read.
func (r *Reader) Read(streamName string, lo, hi int64) ([]Frame, error) {
	ids, err := r.cat.RangeScan(streamName, lo, hi)
	if err != nil {
		return nil, E(IoError, "range scan", err)
	}
	var out []Frame
	for _, id := range ids {
		hdr, buf, ok, err := r.loadBlock(container.BlockID(id))
		if err != nil {
			return nil, E(IoError, "load block", err)
		}
		if !ok {
			log.Printf("nanots: skipping corrupt block %d of stream %q", id, streamName)
			continue
		}
		for _, f := range container.ScanBlock(buf, &hdr) {
			if f.Timestamp >= lo && f.Timestamp <= hi {
				out = append(out, Frame{
					Timestamp:     f.Timestamp,
					Flags:         f.Flags,
					Payload:       f.Payload,
					BlockSequence: hdr.Sequence,
				})
			}
		}
	}
	return out, nil
}

// QueryStreamTags returns the distinct names of streams with a sealed
// block intersecting [lo, hi], plus every stream whose not-yet-sealed
// tail block holds at least one frame and has a first timestamp <= hi.
// The open tail's timestamps are not compared against lo.
func (r *Reader) QueryStreamTags(lo, hi int64) ([]string, error) {
	names, err := r.cat.ListStreamTags(lo, hi)
	if err != nil {
		return nil, E(IoError, "list stream tags", err)
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}

	streams, err := r.cat.AllStreamsWithTail()
	if err != nil {
		return nil, E(IoError, "list open tails", err)
	}
	for _, s := range streams {
		if seen[s.Name] {
			continue
		}
		hdr, ok, err := r.cf.ReadHeader(container.BlockID(s.TailBlock))
		if err != nil || !ok {
			continue
		}
		if hdr.State == container.StateOpen && hdr.FrameCount > 0 && hdr.FirstTS <= hi {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	return names, nil
}

// QueryContiguousSegments groups stream's blocks intersecting [lo,
// hi] into maximal runs of sequence-consecutive blocks.
func (r *Reader) QueryContiguousSegments(streamName string, lo, hi int64) ([]Segment, error) {
	segs, err := r.cat.ContiguousSegments(streamName, lo, hi)
	if err != nil {
		return nil, E(IoError, "contiguous segments", err)
	}
	out := make([]Segment, len(segs))
	for i, s := range segs {
		out[i] = Segment{ID: uuid.New().String(), Start: s.StartTS, End: s.EndTS}
	}
	return out, nil
}

// Stat is a cheap, non-scanning operational summary of a container:
// its stream names and the allocator's block-level occupancy.
type Stat struct {
	StreamNames  []string
	SealedBlocks uint64
	FreeBlocks   uint64
	TotalBlocks  uint64
}

// Stat returns a Stat snapshot for the open container.
func (r *Reader) Stat() (Stat, error) {
	names, err := r.cat.DistinctStreamNames()
	if err != nil {
		return Stat{}, E(IoError, "distinct stream names", err)
	}
	sealed, err := r.cat.CountByState(catalog.StateSealed)
	if err != nil {
		return Stat{}, E(IoError, "count sealed blocks", err)
	}
	free, err := r.cf.FreeBlockCount()
	if err != nil {
		return Stat{}, E(IoError, "count free blocks", err)
	}
	return Stat{
		StreamNames:  names,
		SealedBlocks: sealed,
		FreeBlocks:   free,
		TotalBlocks:  r.cf.BlockCount(),
	}, nil
}

// loadBlock reads and decodes block id's full contents, checksum
// included.
func (r *Reader) loadBlock(id container.BlockID) (container.Header, []byte, bool, error) {
	buf, err := r.cf.ReadBlock(id)
	if err != nil {
		return container.Header{}, nil, false, err
	}
	hdr, ok := container.DecodeHeader(buf[:container.BlockHeaderSize])
	return hdr, buf, ok, nil
}
