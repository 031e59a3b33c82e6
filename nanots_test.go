package nanots

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestContainer(t *testing.T, blockSize, blockCount uint64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.nts")
	if err := AllocateFile(path, blockSize, blockCount); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestWriteThenReadRoundtrip(t *testing.T) {
	path := newTestContainer(t, 4096, 8)

	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := w.CreateContext("temp.sensor1", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i, ts := range []int64{100, 200, 300} {
		if err := w.Write(ctx, []byte{byte(i)}, ts, 0); err != nil {
			t.Fatalf("write %d: %v", ts, err)
		}
	}
	if err := w.CloseContext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	frames, err := r.Read("temp.sensor1", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []int64{100, 200, 300} {
		if frames[i].Timestamp != want {
			t.Errorf("frame %d timestamp = %d, want %d", i, frames[i].Timestamp, want)
		}
	}
}

func TestWriteRejectsNonMonotonicTimestamp(t *testing.T) {
	path := newTestContainer(t, 4096, 8)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(ctx, []byte("a"), 100, 0); err != nil {
		t.Fatal(err)
	}
	err = w.Write(ctx, []byte("b"), 50, 0)
	if err == nil {
		t.Fatal("expected NonMonotonicTimestamp error")
	}
	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Kind != NonMonotonicTimestamp {
		t.Fatalf("got error %v, want Kind=NonMonotonicTimestamp", err)
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	path := newTestContainer(t, 256, 4)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	huge := make([]byte, 1<<20)
	err = w.Write(ctx, huge, 1, 0)
	if err == nil {
		t.Fatal("expected RowSizeTooBig error")
	}
	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Kind != RowSizeTooBig {
		t.Fatalf("got error %v, want Kind=RowSizeTooBig", err)
	}
}

func TestOutOfSpaceWithoutAutoReclaim(t *testing.T) {
	path := newTestContainer(t, 200, 1)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 8)
	for i := 0; ; i++ {
		if err := w.Write(ctx, payload, int64(i), 0); err != nil {
			var nerr *Error
			if errors.As(err, &nerr) && nerr.Kind == OutOfSpace {
				return
			}
			t.Fatalf("unexpected error filling container: %v", err)
		}
		if i > 10000 {
			t.Fatal("container never reported OutOfSpace")
		}
	}
}

func TestAutoReclaimReusesOldestSealedBlock(t *testing.T) {
	// A 2-block container: fill block 0, seal it by rolling to block 1,
	// then force a third block's worth of writes so the writer must
	// reclaim block 0 (the oldest sealed block) rather than fail with
	// OutOfSpace.
	path := newTestContainer(t, 200, 2)
	w, err := OpenWriter(path, WithAutoReclaim(true))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 8)
	for i := 0; i < 30; i++ {
		if err := w.Write(ctx, payload, int64(i), 0); err != nil {
			t.Fatalf("write %d: unexpected error with auto-reclaim enabled: %v", i, err)
		}
	}
}

func TestQueryContiguousSegmentsAssignsIDs(t *testing.T) {
	path := newTestContainer(t, 256, 4)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	payload := make([]byte, 16)
	for i := 0; i < 6; i++ {
		if err := w.Write(ctx, payload, int64(i*10), 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	segs, err := r.QueryContiguousSegments("s", 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) == 0 {
		t.Fatal("expected at least one contiguous segment")
	}
	for _, s := range segs {
		if s.ID == "" {
			t.Error("segment missing an ID")
		}
	}
}

func TestIteratorFindAndNext(t *testing.T) {
	path := newTestContainer(t, 4096, 8)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, ts := range []int64{10, 20, 30, 40, 50} {
		if err := w.Write(ctx, []byte("x"), ts, 0); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.CloseContext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	it, err := r.OpenIterator("s")
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	found, err := it.Find(25)
	if err != nil {
		t.Fatal(err)
	}
	if !found || !it.Valid() {
		t.Fatal("Find(25) did not position the iterator")
	}
	if it.Current().Timestamp != 30 {
		t.Fatalf("Find(25) landed on timestamp %d, want 30", it.Current().Timestamp)
	}

	var got []int64
	got = append(got, it.Current().Timestamp)
	for {
		ok, err := it.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, it.Current().Timestamp)
	}
	want := []int64{30, 40, 50}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCreateContextResumesOpenTail(t *testing.T) {
	path := newTestContainer(t, 4096, 8)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(ctx, []byte("a"), 1, 0); err != nil {
		t.Fatal(err)
	}
	// Open a second context on the same stream while the first still
	// holds the unsealed open tail; the second must resume that tail.
	ctx2, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(ctx2, []byte("b"), 2, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	frames, err := r.Read("s", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames after resumed context, want 2", len(frames))
	}
}

func TestStatReportsStreamsAndBlocks(t *testing.T) {
	path := newTestContainer(t, 4096, 4)
	w, err := OpenWriter(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := w.CreateContext("s", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(ctx, []byte("a"), 1, 0); err != nil {
		t.Fatal(err)
	}
	if err := w.CloseContext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	st, err := r.Stat()
	if err != nil {
		t.Fatal(err)
	}
	if len(st.StreamNames) != 1 || st.StreamNames[0] != "s" {
		t.Fatalf("Stat().StreamNames = %v, want [s]", st.StreamNames)
	}
	if st.SealedBlocks != 1 {
		t.Fatalf("Stat().SealedBlocks = %d, want 1", st.SealedBlocks)
	}
	if st.TotalBlocks != 4 {
		t.Fatalf("Stat().TotalBlocks = %d, want 4", st.TotalBlocks)
	}
}
