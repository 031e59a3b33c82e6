package catalog

import (
	"path/filepath"
	"testing"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c.idx")
	c, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCreateStreamIsIdempotent(t *testing.T) {
	c := openTestCatalog(t)

	s1, err := c.CreateStream("sensor.a", 42, []byte("meta"))
	if err != nil {
		t.Fatal(err)
	}
	s2, err := c.CreateStream("sensor.a", 999, []byte("other"))
	if err != nil {
		t.Fatal(err)
	}
	if s1.StreamTag != s2.StreamTag {
		t.Fatalf("second CreateStream changed stream_tag: %d -> %d", s1.StreamTag, s2.StreamTag)
	}
	if string(s2.Metadata) != "meta" {
		t.Fatalf("second CreateStream overwrote metadata: got %q", s2.Metadata)
	}
}

func TestSetTailSeedsHeadOnFirstBlock(t *testing.T) {
	c := openTestCatalog(t)
	if _, err := c.CreateStream("s", 1, nil); err != nil {
		t.Fatal(err)
	}
	if err := c.SetTail("s", 5, 1); err != nil {
		t.Fatal(err)
	}
	s, ok, err := c.GetStream("s")
	if err != nil || !ok {
		t.Fatalf("GetStream: ok=%v err=%v", ok, err)
	}
	if !s.HasHead || s.HeadBlock != 5 {
		t.Fatalf("head block = (%d, %v), want (5, true)", s.HeadBlock, s.HasHead)
	}
	if !s.HasTail || s.TailBlock != 5 {
		t.Fatalf("tail block = (%d, %v), want (5, true)", s.TailBlock, s.HasTail)
	}

	if err := c.SetTail("s", 9, 2); err != nil {
		t.Fatal(err)
	}
	s, _, _ = c.GetStream("s")
	if s.HeadBlock != 5 {
		t.Fatalf("head block changed on second SetTail: got %d, want 5", s.HeadBlock)
	}
	if s.TailBlock != 9 {
		t.Fatalf("tail block = %d, want 9", s.TailBlock)
	}
}

func TestRangeScanIntersection(t *testing.T) {
	c := openTestCatalog(t)
	blocks := []Block{
		{BlockID: 1, StreamName: "s", Sequence: 0, StartTS: 0, EndTS: 10, State: StateSealed},
		{BlockID: 2, StreamName: "s", Sequence: 1, StartTS: 11, EndTS: 20, State: StateSealed},
		{BlockID: 3, StreamName: "s", Sequence: 2, StartTS: 21, EndTS: 30, State: StateSealed},
	}
	for _, b := range blocks {
		if err := c.UpsertBlockOnSeal(b); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := c.RangeScan("s", 15, 25)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != 2 || ids[1] != 3 {
		t.Fatalf("RangeScan(15,25) = %v, want [2 3]", ids)
	}
}

func TestContiguousSegmentsSplitsOnGap(t *testing.T) {
	c := openTestCatalog(t)
	blocks := []Block{
		{BlockID: 1, StreamName: "s", Sequence: 0, StartTS: 0, EndTS: 10, State: StateSealed},
		{BlockID: 2, StreamName: "s", Sequence: 1, StartTS: 11, EndTS: 20, State: StateSealed},
		// sequence 2 reclaimed/missing: gap
		{BlockID: 4, StreamName: "s", Sequence: 3, StartTS: 31, EndTS: 40, State: StateSealed},
	}
	for _, b := range blocks {
		if err := c.UpsertBlockOnSeal(b); err != nil {
			t.Fatal(err)
		}
	}

	segs, err := c.ContiguousSegments("s", 0, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].StartTS != 0 || segs[0].EndTS != 20 {
		t.Errorf("segment 0 = %+v, want [0,20]", segs[0])
	}
	if segs[1].StartTS != 31 || segs[1].EndTS != 40 {
		t.Errorf("segment 1 = %+v, want [31,40]", segs[1])
	}
}

func TestOldestSealedOrdersGloballyByStreamThenSequence(t *testing.T) {
	c := openTestCatalog(t)
	blocks := []Block{
		{BlockID: 1, StreamName: "z-stream", Sequence: 0, StartTS: 0, EndTS: 10, State: StateSealed},
		{BlockID: 2, StreamName: "a-stream", Sequence: 5, StartTS: 0, EndTS: 10, State: StateSealed},
	}
	for _, b := range blocks {
		if err := c.UpsertBlockOnSeal(b); err != nil {
			t.Fatal(err)
		}
	}
	b, ok, err := c.OldestSealed()
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a sealed block")
	}
	if b.StreamName != "a-stream" {
		t.Fatalf("OldestSealed picked stream %q, want %q", b.StreamName, "a-stream")
	}
}

func TestDeleteBlockOnReclaimRemovesRow(t *testing.T) {
	c := openTestCatalog(t)
	if err := c.UpsertBlockOnSeal(Block{BlockID: 1, StreamName: "s", State: StateSealed}); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteBlockOnReclaim(1); err != nil {
		t.Fatal(err)
	}
	ids, err := c.RangeScan("s", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no rows after DeleteBlockOnReclaim, got %v", ids)
	}
}
