package nanots

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/dicroce/nanots/internal/catalog"
	"github.com/dicroce/nanots/internal/container"
	"github.com/dicroce/nanots/internal/flock"
)

// Writer is the single-writer append path for a NanoTS container.
// Multiple Context handles, one per stream, can be open on a single
// Writer at once; Writer itself serializes all of their operations
// behind one lock, a single "big kernel lock" rather than one lock
// per data structure.
type Writer struct {
	path        string
	cf          *container.File
	cat         *catalog.Catalog
	lock        flock.Lock
	autoReclaim bool

	bkl      sync.Mutex
	contexts map[*Context]struct{}
	closed   bool
}

// WriterOption configures optional Writer behavior.
type WriterOption func(*Writer)

// WithAutoReclaim enables the allocator's oldest-block reclaim policy:
// when the container is full, the sealed block with the smallest
// (stream_name, sequence) globally is freed and reused rather than
// failing the write with OutOfSpace.
func WithAutoReclaim(enabled bool) WriterOption {
	return func(w *Writer) { w.autoReclaim = enabled }
}

// OpenWriter opens path for writing, taking the container's exclusive
// writer lock.
func OpenWriter(path string, opts ...WriterOption) (*Writer, error) {
	cf, cat, lock, err := openShared(path, true)
	if err != nil {
		return nil, err
	}
	w := &Writer{
		path:     path,
		cf:       cf,
		cat:      cat,
		lock:     lock,
		contexts: make(map[*Context]struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.reclaimOrphans(); err != nil {
		cf.Close()
		cat.Close()
		lock.Unlock()
		return nil, err
	}
	return w, nil
}

// reclaimOrphans scans every block once at open and frees any block
// that is sealed on disk but has no catalog row: the writer can crash
// between writing a sealed block's bytes and committing its catalog
// row, and nothing else ever revisits that block afterward.
func (w *Writer) reclaimOrphans() error {
	n := w.cf.BlockCount()
	for i := uint64(0); i < n; i++ {
		id := container.BlockID(i)
		h, ok, err := w.cf.ReadHeader(id)
		if err != nil {
			return E(IoError, "read block header during orphan scan", err)
		}
		if !ok || h.State != container.StateSealed {
			continue
		}
		known, err := w.cat.HasBlock(uint64(id))
		if err != nil {
			return E(IoError, "check catalog for orphan block", err)
		}
		if known {
			continue
		}
		if h.PrevBlock != container.NoBlock {
			if ph, ok, err := w.cf.ReadHeader(h.PrevBlock); err == nil && ok && ph.NextBlock == id {
				ph.NextBlock = h.NextBlock
				w.cf.WriteHeader(h.PrevBlock, ph)
			}
		}
		if h.NextBlock != container.NoBlock {
			if nh, ok, err := w.cf.ReadHeader(h.NextBlock); err == nil && ok && nh.PrevBlock == id {
				nh.PrevBlock = h.PrevBlock
				w.cf.WriteHeader(h.NextBlock, nh)
			}
		}
		if err := w.cf.Release(id); err != nil {
			return E(IoError, "release orphan block", err)
		}
	}
	return nil
}

// CreateContext resolves (creating if necessary) the named stream and
// returns a write handle for it. It does not allocate a block; the
// first Write call does that.
//
// If the stream already has an in-progress open tail block (e.g. a
// previous writer exited without closing its contexts, or another
// Context of this Writer still holds the stream's tail), the new
// Context resumes appending to it rather than starting a fresh block.
// An earlier Context that held that tail is closed without sealing it,
// so only the new Context writes to the block from then on.
func (w *Writer) CreateContext(streamName string, metadata []byte) (*Context, error) {
	w.bkl.Lock()
	defer w.bkl.Unlock()
	if w.closed {
		return nil, E(Invalid, "writer is closed")
	}

	tag := streamTag(streamName)
	s, err := w.cat.CreateStream(streamName, tag, metadata)
	if err != nil {
		return nil, E(IoError, "create stream", err)
	}

	ctx := &Context{streamName: streamName, tag: tag, prevBlock: container.NoBlock}
	if s.HasTail {
		id := container.BlockID(s.TailBlock)
		h, ok, err := w.cf.ReadHeader(id)
		if err != nil {
			return nil, E(IoError, "read tail header", err)
		}
		if !ok {
			return nil, E(CorruptBlock, fmt.Sprintf("stream %s tail block %d", streamName, id))
		}
		switch h.State {
		case container.StateOpen:
			buf, err := w.cf.ReadBlock(id)
			if err != nil {
				return nil, E(IoError, "read tail block", err)
			}
			for other := range w.contexts {
				if other.hasOpenTail && other.tailID == id {
					other.hasOpenTail = false
					other.closed = true
					delete(w.contexts, other)
				}
			}
			ctx.hasOpenTail = true
			ctx.tailID = id
			ctx.tailBuf = buf
			ctx.tailHeader = h
			ctx.prevBlock = h.PrevBlock
			if h.FrameCount > 0 {
				ctx.lastTS, ctx.hasLastTS = h.LastTS, true
			}
		case container.StateSealed:
			ctx.prevBlock = id
			if h.FrameCount > 0 {
				ctx.lastTS, ctx.hasLastTS = h.LastTS, true
			}
		default:
			return nil, E(CorruptBlock, fmt.Sprintf("stream %s tail block %d in state %d", streamName, id, h.State))
		}
	}

	// The tail block just loaded (or the block behind it, if the tail
	// itself has never been written to) may not carry a usable LastTS
	// of its own; walk back to the nearest block that does, so the
	// monotonicity check in Write still has something to compare
	// against.
	if err := w.seedLastTS(ctx); err != nil {
		return nil, err
	}

	w.contexts[ctx] = struct{}{}
	return ctx, nil
}

// seedLastTS ensures ctx.hasLastTS is set whenever the stream has
// written at least one frame, by walking back from ctx.prevBlock
// (without disturbing it) until it finds a block with a frame in it.
// It is a no-op once ctx.hasLastTS is already true.
func (w *Writer) seedLastTS(ctx *Context) error {
	cur := ctx.prevBlock
	for !ctx.hasLastTS && cur != container.NoBlock {
		h, ok, err := w.cf.ReadHeader(cur)
		if err != nil {
			return E(IoError, "read previous block header", err)
		}
		if !ok {
			return E(CorruptBlock, fmt.Sprintf("stream %s block %d", ctx.streamName, cur))
		}
		if h.FrameCount > 0 {
			ctx.lastTS, ctx.hasLastTS = h.LastTS, true
			break
		}
		cur = h.PrevBlock
	}
	return nil
}

// Write appends one frame to the stream owned by ctx. ts must be >=
// the last timestamp written to this stream, across every block it
// has ever held, or Write fails with NonMonotonicTimestamp and
// nothing is mutated.
func (w *Writer) Write(ctx *Context, payload []byte, ts int64, flags uint32) error {
	w.bkl.Lock()
	defer w.bkl.Unlock()
	if w.closed {
		return E(Invalid, "writer is closed")
	}
	if ctx.closed {
		return E(Invalid, "context is closed")
	}

	if ctx.hasLastTS && ts < ctx.lastTS {
		return E(NonMonotonicTimestamp, fmt.Sprintf("ts=%d < last_ts=%d on stream %q", ts, ctx.lastTS, ctx.streamName))
	}

	maxPayload := container.MaxPayload(w.cf.BlockSize())
	if len(payload) > maxPayload {
		return E(RowSizeTooBig, fmt.Sprintf("payload of %d bytes exceeds max %d for this block size", len(payload), maxPayload))
	}

	if !ctx.hasOpenTail {
		if err := w.openNewTail(ctx); err != nil {
			return err
		}
	}

	if !container.AppendFrame(ctx.tailBuf, &ctx.tailHeader, w.cf.BlockSize(), ts, flags, payload) {
		if err := w.sealTail(ctx); err != nil {
			return err
		}
		if err := w.openNewTail(ctx); err != nil {
			return err
		}
		if !container.AppendFrame(ctx.tailBuf, &ctx.tailHeader, w.cf.BlockSize(), ts, flags, payload) {
			return E(RowSizeTooBig, "payload does not fit in an empty block")
		}
	}

	ctx.lastTS, ctx.hasLastTS = ts, true

	enc := ctx.tailHeader.Encode()
	copy(ctx.tailBuf[:container.BlockHeaderSize], enc[:])
	if err := w.cf.WriteBlock(ctx.tailID, ctx.tailBuf); err != nil {
		return E(IoError, "write tail block", err)
	}
	if flags&FlushAfter != 0 {
		if err := w.cf.Sync(); err != nil {
			return E(IoError, "flush after write", err)
		}
	}
	return nil
}

// openNewTail allocates (reclaiming if needed and enabled) a fresh
// block, links it behind ctx.prevBlock, and makes it ctx's open tail.
func (w *Writer) openNewTail(ctx *Context) error {
	id, err := w.allocateBlock(ctx)
	if err != nil {
		return err
	}

	s, ok, err := w.cat.GetStream(ctx.streamName)
	if err != nil {
		return E(IoError, "reload stream", err)
	}
	if !ok {
		return E(Invalid, fmt.Sprintf("stream %q vanished from catalog", ctx.streamName))
	}
	seq := s.NextSequence

	h := container.Header{
		Magic:     container.BlockMagic,
		State:     container.StateOpen,
		Sequence:  seq,
		StreamTag: ctx.tag,
		PrevBlock: ctx.prevBlock,
		NextBlock: container.NoBlock,
	}

	if ctx.prevBlock != container.NoBlock {
		ph, ok, err := w.cf.ReadHeader(ctx.prevBlock)
		if err == nil && ok {
			ph.NextBlock = id
			if werr := w.cf.WriteHeader(ctx.prevBlock, ph); werr != nil {
				return E(IoError, "link previous block", werr)
			}
		}
	}

	buf := container.NewBlock(w.cf.BlockSize(), h)
	if err := w.cf.WriteBlock(id, buf); err != nil {
		return E(IoError, "write new tail block", err)
	}
	if err := w.cat.SetTail(ctx.streamName, uint64(id), seq+1); err != nil {
		return E(IoError, "set stream tail", err)
	}

	ctx.hasOpenTail = true
	ctx.tailID = id
	ctx.tailBuf = buf
	ctx.tailHeader = h
	return nil
}

// allocateBlock returns a free block id, reclaiming the globally
// oldest sealed block if the free list is exhausted and auto-reclaim
// is enabled.
func (w *Writer) allocateBlock(ctx *Context) (container.BlockID, error) {
	id, ok, err := w.cf.Allocate()
	if err != nil {
		return container.NoBlock, E(IoError, "allocate block", err)
	}
	if ok {
		return id, nil
	}
	if !w.autoReclaim {
		return container.NoBlock, E(OutOfSpace, "no free blocks and auto-reclaim is disabled")
	}

	blk, found, err := w.cat.OldestSealed()
	if err != nil {
		return container.NoBlock, E(IoError, "find reclaim candidate", err)
	}
	if !found {
		return container.NoBlock, E(OutOfSpace, "no free blocks and nothing sealed to reclaim")
	}
	reclaimed := container.BlockID(blk.BlockID)

	hdr, ok, err := w.cf.ReadHeader(reclaimed)
	if err != nil {
		return container.NoBlock, E(IoError, "read reclaim candidate", err)
	}
	if !ok {
		return container.NoBlock, E(CorruptBlock, fmt.Sprintf("reclaim candidate block %d", reclaimed))
	}

	if hdr.PrevBlock != container.NoBlock {
		if ph, ok, err := w.cf.ReadHeader(hdr.PrevBlock); err == nil && ok {
			ph.NextBlock = hdr.NextBlock
			w.cf.WriteHeader(hdr.PrevBlock, ph)
		}
	}
	if hdr.NextBlock != container.NoBlock {
		if nh, ok, err := w.cf.ReadHeader(hdr.NextBlock); err == nil && ok {
			nh.PrevBlock = hdr.PrevBlock
			w.cf.WriteHeader(hdr.NextBlock, nh)
		}
	}

	s, ok, err := w.cat.GetStream(blk.StreamName)
	if err == nil && ok {
		var newHead, newTail *uint64
		if s.HasHead {
			h := s.HeadBlock
			if s.HeadBlock == blk.BlockID {
				if hdr.NextBlock != container.NoBlock {
					v := uint64(hdr.NextBlock)
					newHead = &v
				}
			} else {
				newHead = &h
			}
		}
		if s.HasTail {
			t := s.TailBlock
			if s.TailBlock == blk.BlockID {
				if hdr.PrevBlock != container.NoBlock {
					v := uint64(hdr.PrevBlock)
					newTail = &v
				}
			} else {
				newTail = &t
			}
		}
		w.cat.UpdateStreamLinks(blk.StreamName, newHead, newTail)
	}

	if err := w.cat.DeleteBlockOnReclaim(blk.BlockID); err != nil {
		return container.NoBlock, E(IoError, "delete reclaimed catalog row", err)
	}

	// ctx's own chain pointer may have referred to the block we just
	// unlinked (possible in small containers where a stream's own
	// oldest block is the reclaim target); repoint it the same way we
	// just repointed the on-disk neighbor.
	if ctx.prevBlock == reclaimed {
		ctx.prevBlock = hdr.PrevBlock
	}

	if err := w.cf.Release(reclaimed); err != nil {
		return container.NoBlock, E(IoError, "release reclaimed block", err)
	}
	id, ok, err = w.cf.Allocate()
	if err != nil {
		return container.NoBlock, E(IoError, "allocate reclaimed block", err)
	}
	if !ok {
		return container.NoBlock, E(Other, "reclaimed block vanished from free list")
	}
	return id, nil
}

// sealTail finalizes ctx's open tail block: it is written to disk in
// the sealed state and a catalog row is committed for it only after
// the block's bytes are durably written.
func (w *Writer) sealTail(ctx *Context) error {
	ctx.tailHeader.State = container.StateSealed
	enc := ctx.tailHeader.Encode()
	copy(ctx.tailBuf[:container.BlockHeaderSize], enc[:])
	if err := w.cf.WriteBlock(ctx.tailID, ctx.tailBuf); err != nil {
		return E(IoError, "seal tail block", err)
	}
	if err := w.cf.Sync(); err != nil {
		return E(IoError, "sync sealed block", err)
	}
	row := catalog.Block{
		BlockID:    uint64(ctx.tailID),
		StreamName: ctx.streamName,
		StreamTag:  ctx.tag,
		Sequence:   ctx.tailHeader.Sequence,
		StartTS:    ctx.tailHeader.FirstTS,
		EndTS:      ctx.tailHeader.LastTS,
		State:      catalog.StateSealed,
		FrameCount: ctx.tailHeader.FrameCount,
		BytesUsed:  ctx.tailHeader.BytesUsed,
	}
	if err := w.cat.UpsertBlockOnSeal(row); err != nil {
		return E(IoError, "upsert sealed block", err)
	}
	ctx.prevBlock = ctx.tailID
	ctx.hasOpenTail = false
	return nil
}

// CloseContext seals ctx's open tail block, if any, and updates the
// catalog accordingly.
func (w *Writer) CloseContext(ctx *Context) error {
	w.bkl.Lock()
	defer w.bkl.Unlock()
	if ctx.closed {
		return nil
	}
	if ctx.hasOpenTail {
		if err := w.sealTail(ctx); err != nil {
			return err
		}
	}
	ctx.closed = true
	delete(w.contexts, ctx)
	return nil
}

// Flush flushes the container file's pending writes and checkpoints
// the catalog's write-ahead log.
func (w *Writer) Flush() error {
	w.bkl.Lock()
	defer w.bkl.Unlock()
	if err := w.cf.Sync(); err != nil {
		return E(IoError, "sync container", err)
	}
	if err := w.cat.Flush(); err != nil {
		return E(IoError, "checkpoint catalog", err)
	}
	return nil
}

// Close seals any contexts still open, flushes, and releases the
// container's exclusive lock. Close is idempotent.
func (w *Writer) Close() error {
	w.bkl.Lock()
	if w.closed {
		w.bkl.Unlock()
		return nil
	}
	// Seal open contexts in a deterministic order (by stream name)
	// rather than map iteration order, so Close behaves the same way
	// across runs given the same set of open streams.
	pending := maps.Keys(w.contexts)
	slices.SortFunc(pending, func(a, b *Context) bool {
		return a.streamName < b.streamName
	})
	for _, ctx := range pending {
		if ctx.hasOpenTail {
			if err := w.sealTail(ctx); err != nil {
				w.bkl.Unlock()
				return err
			}
		}
		ctx.closed = true
	}
	w.contexts = nil
	w.closed = true
	w.bkl.Unlock()

	var firstErr error
	if err := w.cf.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.cf.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.cat.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
