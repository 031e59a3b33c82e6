// Package nanots implements NanoTS, an embedded time-series storage
// engine for append-heavy, timestamp-keyed record streams. A NanoTS
// container is a single pre-allocated file holding many named
// streams, each a monotonically timestamp-ordered sequence of
// frames packed into fixed-size blocks, indexed by a small durable
// SQLite catalog for range/point lookups.
//
// Payloads are opaque bytes; NanoTS does not interpret, compress, or
// index their contents. A single writer (process or goroutine,
// serialized by an advisory file lock) appends to a container, and any
// number of readers may scan it at once. Readers take that lock in
// shared mode and the writer in exclusive mode, so readers and the
// writer do not hold a container open at the same time.
package nanots

import (
	"fmt"
	"os"

	"github.com/dchest/siphash"
	"github.com/google/uuid"

	"github.com/dicroce/nanots/internal/catalog"
	"github.com/dicroce/nanots/internal/container"
	"github.com/dicroce/nanots/internal/flock"
)

// FlushAfter is a frame flag that forces the container file to be
// synced to disk before the Write that carries it returns.
const FlushAfter = container.FlushAfter

// Frame is one decoded record returned by Read, the Iterator, or
// point lookups: a timestamp, caller-defined flags, and an opaque
// payload, plus the sequence number of the block it was read from.
type Frame struct {
	Timestamp     int64
	Flags         uint32
	Payload       []byte
	BlockSequence uint64
}

// Segment describes one contiguous run of blocks returned by
// QueryContiguousSegments.
type Segment struct {
	ID    string
	Start int64
	End   int64
}

var tagKey0, tagKey1 uint64 = 0x4e616e6f54616731, 0x4e616e6f54616732

// streamTag derives the small stream_tag integer NanoTS copies into
// every block header from the stream's name, so that it is stable
// across writer/reader processes without needing to be threaded
// through the public API.
func streamTag(name string) uint64 {
	return siphash.Hash(tagKey0, tagKey1, []byte(name))
}

func newSegmentID() string {
	return uuid.New().String()
}

// AllocateFile creates a new, zeroed NanoTS container at path sized
// for blockCount blocks of blockSize bytes each, plus its co-located
// SQLite catalog at "path.idx".
//
// AllocateFile fails if path already exists, if blockSize is smaller
// than container.MinBlockSize (room for one empty-payload frame), or
// if the filesystem rejects the preallocation.
func AllocateFile(path string, blockSize, blockCount uint64) error {
	cf, err := container.Create(path, blockSize, blockCount)
	if err != nil {
		return err
	}
	defer cf.Close()

	cat, err := catalog.Open(catalogPath(path))
	if err != nil {
		os.Remove(path)
		return err
	}
	return cat.Close()
}

func catalogPath(containerPath string) string {
	return containerPath + ".idx"
}

// openShared opens the container file and its catalog, along with
// the advisory container lock appropriate for the access mode: shared
// for readers, exclusive for writers.
func openShared(path string, exclusive bool) (*container.File, *catalog.Catalog, flock.Lock, error) {
	lock := flock.New(path + ".lock")
	var err error
	if exclusive {
		err = lock.Lock()
	} else {
		err = lock.RLock()
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("nanots: acquire container lock: %w", err)
	}

	cf, err := container.Open(path)
	if err != nil {
		lock.Unlock()
		return nil, nil, nil, err
	}
	cat, err := catalog.Open(catalogPath(path))
	if err != nil {
		cf.Close()
		lock.Unlock()
		return nil, nil, nil, err
	}
	return cf, cat, lock, nil
}
