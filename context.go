package nanots

import "github.com/dicroce/nanots/internal/container"

// Context is a transient per-stream write handle returned by
// Writer.CreateContext. It caches the stream's resolved identity
// (name, numeric tag) and, once a block has been opened, the id and
// in-memory buffer of the currently open tail block.
//
// A Context is not safe for concurrent use; Writer itself serializes
// all operations across the contexts it owns, but a single Context
// should still be driven from one goroutine at a time.
type Context struct {
	streamName string
	tag        uint64

	hasOpenTail bool
	tailID      container.BlockID
	tailBuf     []byte
	tailHeader  container.Header

	// prevBlock is the id of the stream's most recently sealed block
	// (while a tail is open, the block just before it), used to link a
	// freshly-opened tail back into the stream's doubly-linked block
	// chain. It is NoBlock for a brand new stream.
	prevBlock container.BlockID

	// lastTS/hasLastTS track the timestamp of the most recent frame
	// written to this stream, across block boundaries: a fresh tail
	// block starts with FrameCount==0 and so carries no timestamp of
	// its own, but the monotonicity check still has to hold against
	// whatever was last written to the block before it.
	lastTS    int64
	hasLastTS bool

	closed bool
}

// StreamName returns the name this context was created for.
func (c *Context) StreamName() string { return c.streamName }
