// Package catalog implements the NanoTS durable catalog: a small
// SQLite-backed index mapping (stream_name, time range) to the blocks
// that hold those frames. It is the only index readers consult before
// touching block bytes.
package catalog

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// BlockState mirrors container.State as stored in the catalog; kept
// as a distinct string-backed type here so the catalog schema reads
// naturally in SQL ("sealed", not a bare integer).
type BlockState string

const (
	StateOpen   BlockState = "open"
	StateSealed BlockState = "sealed"
)

// Block is one catalog row: the durable description of an allocated
// block.
type Block struct {
	BlockID    uint64
	StreamName string
	StreamTag  uint64
	Sequence   uint64
	StartTS    int64
	EndTS      int64
	State      BlockState
	FrameCount uint32
	BytesUsed  uint32
}

// Stream is one catalog row describing a stream's current write
// position.
type Stream struct {
	Name         string
	Metadata     []byte
	HeadBlock    uint64
	HasHead      bool
	TailBlock    uint64
	HasTail      bool
	NextSequence uint64
	StreamTag    uint64
}

// Segment is one contiguous run of sequence-adjacent blocks for a
// stream.
type Segment struct {
	StartTS    int64
	EndTS      int64
	FirstBlock uint64
	LastBlock  uint64
}

const schema = `
CREATE TABLE IF NOT EXISTS streams (
	stream_name   TEXT PRIMARY KEY,
	stream_tag    INTEGER NOT NULL,
	metadata      BLOB,
	head_block    INTEGER,
	tail_block    INTEGER,
	next_sequence INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS blocks (
	block_id    INTEGER PRIMARY KEY,
	stream_name TEXT NOT NULL,
	stream_tag  INTEGER NOT NULL,
	sequence    INTEGER NOT NULL,
	start_ts    INTEGER NOT NULL,
	end_ts      INTEGER NOT NULL,
	state       TEXT NOT NULL,
	frame_count INTEGER NOT NULL,
	bytes_used  INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_blocks_stream_start
	ON blocks(stream_name, start_ts);

CREATE INDEX IF NOT EXISTS idx_blocks_stream_seq
	ON blocks(stream_name, sequence);
`

// Catalog wraps the SQLite database file co-located with a container
// as "<container>.idx".
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if necessary) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying SQLite handle.
func (c *Catalog) Close() error { return c.db.Close() }

// Flush checkpoints the catalog's write-ahead log into the main
// database file, the catalog half of Writer.Flush.
func (c *Catalog) Flush() error {
	_, err := c.db.Exec(`PRAGMA wal_checkpoint(FULL)`)
	return err
}

// GetStream returns the stream row for name, if any.
func (c *Catalog) GetStream(name string) (Stream, bool, error) {
	row := c.db.QueryRow(`
		SELECT stream_name, stream_tag, metadata, head_block, tail_block, next_sequence
		FROM streams WHERE stream_name = ?`, name)
	var s Stream
	var head, tail sql.NullInt64
	var meta []byte
	err := row.Scan(&s.Name, &s.StreamTag, &meta, &head, &tail, &s.NextSequence)
	if err == sql.ErrNoRows {
		return Stream{}, false, nil
	}
	if err != nil {
		return Stream{}, false, fmt.Errorf("catalog: get stream %s: %w", name, err)
	}
	s.Metadata = meta
	if head.Valid {
		s.HeadBlock, s.HasHead = uint64(head.Int64), true
	}
	if tail.Valid {
		s.TailBlock, s.HasTail = uint64(tail.Int64), true
	}
	return s, true, nil
}

// HasBlock reports whether blockID has a catalog row, sealed or open.
func (c *Catalog) HasBlock(blockID uint64) (bool, error) {
	var n int
	err := c.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE block_id = ?`, blockID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("catalog: has block %d: %w", blockID, err)
	}
	return n > 0, nil
}

// CreateStream inserts a new stream row with next_sequence=0 and no
// head/tail block. It is a no-op (returning the existing row) if the
// stream already exists.
func (c *Catalog) CreateStream(name string, tag uint64, metadata []byte) (Stream, error) {
	if s, ok, err := c.GetStream(name); err != nil {
		return Stream{}, err
	} else if ok {
		return s, nil
	}
	_, err := c.db.Exec(`
		INSERT INTO streams(stream_name, stream_tag, metadata, head_block, tail_block, next_sequence)
		VALUES (?, ?, ?, NULL, NULL, 0)
		ON CONFLICT(stream_name) DO NOTHING`, name, tag, metadata)
	if err != nil {
		return Stream{}, fmt.Errorf("catalog: create stream %s: %w", name, err)
	}
	s, _, err := c.GetStream(name)
	return s, err
}

// SetTail updates a stream's open tail block and reserves the next
// sequence number. If head is not yet set, it is set to tailBlock as
// well (the stream's first-ever block).
func (c *Catalog) SetTail(name string, tailBlock uint64, nextSequence uint64) error {
	_, err := c.db.Exec(`
		UPDATE streams
		SET tail_block = ?,
		    next_sequence = ?,
		    head_block = COALESCE(head_block, ?)
		WHERE stream_name = ?`, tailBlock, nextSequence, tailBlock, name)
	if err != nil {
		return fmt.Errorf("catalog: set tail for %s: %w", name, err)
	}
	return nil
}

// UpsertBlockOnSeal records (or updates) the catalog row for a block
// once its bytes are durably written.
func (c *Catalog) UpsertBlockOnSeal(b Block) error {
	_, err := c.db.Exec(`
		INSERT INTO blocks(block_id, stream_name, stream_tag, sequence, start_ts, end_ts, state, frame_count, bytes_used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, unixepoch())
		ON CONFLICT(block_id) DO UPDATE SET
			stream_name=excluded.stream_name,
			stream_tag=excluded.stream_tag,
			sequence=excluded.sequence,
			start_ts=excluded.start_ts,
			end_ts=excluded.end_ts,
			state=excluded.state,
			frame_count=excluded.frame_count,
			bytes_used=excluded.bytes_used`,
		b.BlockID, b.StreamName, b.StreamTag, b.Sequence, b.StartTS, b.EndTS,
		string(b.State), b.FrameCount, b.BytesUsed)
	if err != nil {
		return fmt.Errorf("catalog: upsert block %d: %w", b.BlockID, err)
	}
	return nil
}

// DeleteBlockOnReclaim removes blockID's catalog row, typically
// because the block was just reclaimed back to the free list.
func (c *Catalog) DeleteBlockOnReclaim(blockID uint64) error {
	_, err := c.db.Exec(`DELETE FROM blocks WHERE block_id = ?`, blockID)
	if err != nil {
		return fmt.Errorf("catalog: delete block %d: %w", blockID, err)
	}
	return nil
}

// RangeScan returns the ids of blocks of stream name whose [start_ts,
// end_ts] intersects [lo, hi], ordered by sequence.
func (c *Catalog) RangeScan(name string, lo, hi int64) ([]uint64, error) {
	rows, err := c.db.Query(`
		SELECT block_id FROM blocks
		WHERE stream_name = ? AND end_ts >= ? AND start_ts <= ?
		ORDER BY sequence`, name, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("catalog: range scan %s: %w", name, err)
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStreamTags returns the distinct stream names with any sealed
// block intersecting [lo, hi]. Despite the name, this returns stream
// names, not numeric stream tags.
func (c *Catalog) ListStreamTags(lo, hi int64) ([]string, error) {
	rows, err := c.db.Query(`
		SELECT DISTINCT stream_name FROM blocks
		WHERE end_ts >= ? AND start_ts <= ?`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("catalog: list stream tags: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// ContiguousSegments groups name's blocks intersecting [lo, hi] into
// maximal runs of sequence-consecutive blocks, each reported as one
// segment spanning [min(start_ts), max(end_ts)].
func (c *Catalog) ContiguousSegments(name string, lo, hi int64) ([]Segment, error) {
	rows, err := c.db.Query(`
		SELECT block_id, sequence, start_ts, end_ts FROM blocks
		WHERE stream_name = ? AND end_ts >= ? AND start_ts <= ?
		ORDER BY sequence`, name, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("catalog: contiguous segments %s: %w", name, err)
	}
	defer rows.Close()

	var segs []Segment
	var havePrev bool
	var prevSeq uint64
	for rows.Next() {
		var blockID, seq uint64
		var start, end int64
		if err := rows.Scan(&blockID, &seq, &start, &end); err != nil {
			return nil, err
		}
		if !havePrev || seq != prevSeq+1 {
			segs = append(segs, Segment{StartTS: start, EndTS: end, FirstBlock: blockID, LastBlock: blockID})
		} else {
			last := &segs[len(segs)-1]
			if end > last.EndTS {
				last.EndTS = end
			}
			last.LastBlock = blockID
		}
		prevSeq = seq
		havePrev = true
	}
	return segs, rows.Err()
}

// OldestSealed returns the sealed block with the smallest (stream_name,
// sequence), globally across the whole container: the reclaim
// candidate for the container's auto-reclaim policy.
func (c *Catalog) OldestSealed() (Block, bool, error) {
	row := c.db.QueryRow(`
		SELECT block_id, stream_name, stream_tag, sequence, start_ts, end_ts, state, frame_count, bytes_used
		FROM blocks
		WHERE state = ?
		ORDER BY stream_name, sequence
		LIMIT 1`, string(StateSealed))
	var b Block
	var state string
	err := row.Scan(&b.BlockID, &b.StreamName, &b.StreamTag, &b.Sequence, &b.StartTS, &b.EndTS, &state, &b.FrameCount, &b.BytesUsed)
	if err == sql.ErrNoRows {
		return Block{}, false, nil
	}
	if err != nil {
		return Block{}, false, fmt.Errorf("catalog: oldest sealed: %w", err)
	}
	b.State = BlockState(state)
	return b, true, nil
}

// StreamBlockIDs returns every sealed block id of stream name, in
// sequence order; used by the Iterator to walk a stream independent
// of any particular time range.
func (c *Catalog) StreamBlockIDs(name string) ([]uint64, error) {
	rows, err := c.db.Query(`
		SELECT block_id FROM blocks WHERE stream_name = ? ORDER BY sequence`, name)
	if err != nil {
		return nil, fmt.Errorf("catalog: stream block ids %s: %w", name, err)
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AllStreamsWithTail returns every stream row that currently has a
// tail_block set (open or sealed); used by QueryStreamTags to also
// surface streams whose only data lives in a live open tail.
func (c *Catalog) AllStreamsWithTail() ([]Stream, error) {
	rows, err := c.db.Query(`
		SELECT stream_name, stream_tag, metadata, head_block, tail_block, next_sequence
		FROM streams WHERE tail_block IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("catalog: all streams with tail: %w", err)
	}
	defer rows.Close()
	var out []Stream
	for rows.Next() {
		var s Stream
		var head, tail sql.NullInt64
		var meta []byte
		if err := rows.Scan(&s.Name, &s.StreamTag, &meta, &head, &tail, &s.NextSequence); err != nil {
			return nil, err
		}
		s.Metadata = meta
		if head.Valid {
			s.HeadBlock, s.HasHead = uint64(head.Int64), true
		}
		if tail.Valid {
			s.TailBlock, s.HasTail = uint64(tail.Int64), true
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CountByState returns the number of catalog rows in the given state,
// used for Reader.Stat.
func (c *Catalog) CountByState(state BlockState) (uint64, error) {
	var n uint64
	err := c.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE state = ?`, string(state)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("catalog: count by state: %w", err)
	}
	return n, nil
}

// DistinctStreamNames returns every stream name in the streams table,
// whether or not the stream has any block rows, regardless of time
// range.
func (c *Catalog) DistinctStreamNames() ([]string, error) {
	rows, err := c.db.Query(`SELECT DISTINCT stream_name FROM streams`)
	if err != nil {
		return nil, fmt.Errorf("catalog: distinct stream names: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// UpdateStreamLinks updates head/tail block pointers for a stream,
// used when unlinking a reclaimed block from its stream's list.
func (c *Catalog) UpdateStreamLinks(name string, head, tail *uint64) error {
	_, err := c.db.Exec(`UPDATE streams SET head_block = ?, tail_block = ? WHERE stream_name = ?`,
		nullUint64(head), nullUint64(tail), name)
	if err != nil {
		return fmt.Errorf("catalog: update stream links %s: %w", name, err)
	}
	return nil
}

func nullUint64(v *uint64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
