package blocktable

import (
	"bytes"
	"testing"

	"github.com/leftmike/fractal/fttypes"
	"github.com/leftmike/fractal/testutil"
)

func TestAllocator(t *testing.T) {
	a := newAllocator()
	off1 := a.alloc(100)
	off2 := a.alloc(600)
	off3 := a.alloc(512)
	if off1 != HeaderReserve || off2 != HeaderReserve+512 || off3 != HeaderReserve+512+1024 {
		t.Errorf("alloc() got %d, %d, %d", off1, off2, off3)
	}

	a.release(off2, 600)
	if off := a.alloc(200); off != off2 {
		t.Errorf("alloc(200) got %d want %d", off, off2)
	}
	if off := a.alloc(200); off != off2+512 {
		t.Errorf("alloc(200) got %d want %d", off, off2+512)
	}

	a.release(off3, 512)
	if a.limit != off3 {
		t.Errorf("limit got %d want %d", a.limit, off3)
	}

	a.release(off1, 100)
	a.release(off2, 200)
	a.release(off2+512, 200)
	if a.limit != HeaderReserve {
		t.Errorf("limit got %d want %d", a.limit, HeaderReserve)
	}
	if bytes, blocks, _ := a.unused(); bytes != 0 || blocks != 0 {
		t.Errorf("unused() got %d, %d want 0, 0", bytes, blocks)
	}
}

func TestAllocatorPanics(t *testing.T) {
	a := newAllocator()
	off := a.alloc(512)
	a.alloc(512)
	a.release(off, 512)

	defer func() {
		if recover() == nil {
			t.Errorf("release() did not panic on double release")
		}
	}()
	a.release(off, 512)
}

func TestMakeAllocator(t *testing.T) {
	a := makeAllocator([]extent{
		{HeaderReserve + 1024, 100},
		{HeaderReserve, 512},
		{HeaderReserve + 4096, 512},
	})
	if a.limit != HeaderReserve+4096+512 {
		t.Errorf("limit got %d want %d", a.limit, HeaderReserve+4096+512)
	}
	bytes, blocks, largest := a.unused()
	if bytes != 512+2560 || blocks != 2 || largest != 2560 {
		t.Errorf("unused() got %d, %d, %d want %d, 2, 2560", bytes, blocks, largest, 512+2560)
	}
	if off := a.alloc(1000); off != HeaderReserve+1536 {
		t.Errorf("alloc(1000) got %d want %d", off, HeaderReserve+1536)
	}
}

func TestBlocknums(t *testing.T) {
	bt := New()
	b1 := bt.AllocateBlocknum()
	b2 := bt.AllocateBlocknum()
	if b1 != fttypes.ReservedBlocknums || b2 != fttypes.ReservedBlocknums+1 {
		t.Errorf("AllocateBlocknum() got %d, %d", b1, b2)
	}
	if err := bt.VerifyNoFreeBlocknums(); err != nil {
		t.Errorf("VerifyNoFreeBlocknums() failed with %s", err)
	}

	bt.FreeBlocknum(b1)
	if err := bt.VerifyNoFreeBlocknums(); err == nil {
		t.Errorf("VerifyNoFreeBlocknums() did not fail")
	}
	if b := bt.AllocateBlocknum(); b != b1 {
		t.Errorf("AllocateBlocknum() got %d want %d", b, b1)
	}

	if _, _, err := bt.Translate(b2); err == nil {
		t.Errorf("Translate(%d) did not fail", b2)
	}
	off := bt.Realloc(b2, 1000, false)
	toff, size, err := bt.Translate(b2)
	if err != nil {
		t.Errorf("Translate(%d) failed with %s", b2, err)
	} else if toff != off || size != 1000 {
		t.Errorf("Translate(%d) got %d, %d want %d, 1000", b2, toff, size, off)
	}

	info := bt.GetInfo64()
	if info.NumBlocknumsAllocated != 2 || info.NumBlocksInUse != 1 || info.SizeInUse != 1000 {
		t.Errorf("GetInfo64() got %+v", info)
	}
}

func writeBlock(t *testing.T, f File, bt *BlockTable, b fttypes.Blocknum, data []byte,
	forCheckpoint bool) {

	t.Helper()
	off := bt.Realloc(b, int64(len(data)), forCheckpoint)
	if _, err := f.WriteAt(data, int64(off)); err != nil {
		t.Fatalf("WriteAt() failed with %s", err)
	}
}

func readBlock(t *testing.T, f File, bt *BlockTable, b fttypes.Blocknum) []byte {
	t.Helper()
	off, size, err := bt.Translate(b)
	if err != nil {
		t.Fatalf("Translate(%d) failed with %s", b, err)
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, int64(off)); err != nil {
		t.Fatalf("ReadAt() failed with %s", err)
	}
	return buf
}

func TestCheckpoint(t *testing.T) {
	f := testutil.NewMemFile("test.ft")
	bt := New()

	b1 := bt.AllocateBlocknum()
	b2 := bt.AllocateBlocknum()
	writeBlock(t, f, bt, b1, []byte("block one, version one"), false)
	writeBlock(t, f, bt, b2, []byte("block two, version one"), false)
	if err := bt.ReallocDescriptorOnDisk(f, []byte("descriptor")); err != nil {
		t.Fatalf("ReallocDescriptorOnDisk() failed with %s", err)
	}

	lease := bt.NoteStartCheckpoint()
	off1, _, _ := bt.Translate(b1)

	// A write after the checkpoint began must not reuse the space the checkpoint needs.
	writeBlock(t, f, bt, b1, []byte("block one, version two"), false)
	noff1, _, _ := bt.Translate(b1)
	if noff1 == off1 {
		t.Errorf("Realloc() reused space of in-progress checkpoint: %d", off1)
	}

	toff, tsize, err := lease.Serialize(f)
	if err != nil {
		t.Fatalf("Serialize() failed with %s", err)
	}
	if err := lease.NoteEnd(f); err != nil {
		t.Fatalf("NoteEnd() failed with %s", err)
	}

	bt2, err := Deserialize(f, toff, tsize)
	if err != nil {
		t.Fatalf("Deserialize() failed with %s", err)
	}
	if got := readBlock(t, f, bt2, b1); string(got) != "block one, version one" {
		t.Errorf("checkpointed block got %q want %q", got, "block one, version one")
	}
	if got := readBlock(t, f, bt2, b2); string(got) != "block two, version one" {
		t.Errorf("checkpointed block got %q want %q", got, "block two, version one")
	}
	desc, err := bt2.ReadDescriptor(f)
	if err != nil {
		t.Errorf("ReadDescriptor() failed with %s", err)
	} else if !bytes.Equal(desc, []byte("descriptor")) {
		t.Errorf("ReadDescriptor() got %q want %q", desc, "descriptor")
	}
	if b := bt2.AllocateBlocknum(); b != b2+1 {
		t.Errorf("AllocateBlocknum() got %d want %d", b, b2+1)
	}

	if got := readBlock(t, f, bt, b1); string(got) != "block one, version two" {
		t.Errorf("current block got %q want %q", got, "block one, version two")
	}
}

func TestCheckpointForCheckpointWrite(t *testing.T) {
	f := testutil.NewMemFile("test.ft")
	bt := New()

	b := bt.AllocateBlocknum()
	writeBlock(t, f, bt, b, []byte("before"), false)
	lease := bt.NoteStartCheckpoint()
	writeBlock(t, f, bt, b, []byte("during"), true)
	toff, tsize, err := lease.Serialize(f)
	if err != nil {
		t.Fatalf("Serialize() failed with %s", err)
	}
	if err := lease.NoteEnd(f); err != nil {
		t.Fatalf("NoteEnd() failed with %s", err)
	}

	bt2, err := Deserialize(f, toff, tsize)
	if err != nil {
		t.Fatalf("Deserialize() failed with %s", err)
	}
	if got := readBlock(t, f, bt2, b); string(got) != "during" {
		t.Errorf("checkpointed block got %q want %q", got, "during")
	}
}

func TestCheckpointSkipped(t *testing.T) {
	f := testutil.NewMemFile("test.ft")
	bt := New()

	b := bt.AllocateBlocknum()
	writeBlock(t, f, bt, b, []byte("block"), false)
	before := bt.Fragmentation()

	lease := bt.NoteStartCheckpoint()
	lease.NoteSkipped()
	if err := lease.NoteEnd(f); err != nil {
		t.Fatalf("NoteEnd() failed with %s", err)
	}
	if f.Writes != 1 {
		t.Errorf("skipped checkpoint wrote: got %d writes want 1", f.Writes)
	}
	if after := bt.Fragmentation(); after != before {
		t.Errorf("Fragmentation() got %+v want %+v", after, before)
	}

	// A new checkpoint may begin after a skipped one.
	lease = bt.NoteStartCheckpoint()
	if _, _, err := lease.Serialize(f); err != nil {
		t.Fatalf("Serialize() failed with %s", err)
	}
	if err := lease.NoteEnd(f); err != nil {
		t.Fatalf("NoteEnd() failed with %s", err)
	}
}

func TestCheckpointFreesSpace(t *testing.T) {
	f := testutil.NewMemFile("test.ft")
	bt := New()

	b := bt.AllocateBlocknum()
	for i := 0; i < 3; i++ {
		writeBlock(t, f, bt, b, bytes.Repeat([]byte{byte(i)}, 2000), false)
		lease := bt.NoteStartCheckpoint()
		if _, _, err := lease.Serialize(f); err != nil {
			t.Fatalf("Serialize() failed with %s", err)
		}
		if err := lease.NoteEnd(f); err != nil {
			t.Fatalf("NoteEnd() failed with %s", err)
		}
	}

	frag := bt.Fragmentation()
	if frag.CheckpointBlocksAdditional != 1 {
		t.Errorf("CheckpointBlocksAdditional got %d want 1", frag.CheckpointBlocksAdditional)
	}
	if f.Size() > frag.FileSizeBytes {
		t.Errorf("file size got %d want at most %d", f.Size(), frag.FileSizeBytes)
	}

	bt.FreeBlocknum(b)
	frag = bt.Fragmentation()
	if frag.DataBlocks != 0 {
		t.Errorf("DataBlocks got %d want 0", frag.DataBlocks)
	}
}

func TestIterate(t *testing.T) {
	f := testutil.NewMemFile("test.ft")
	bt := New()

	var bs []fttypes.Blocknum
	for i := 0; i < 4; i++ {
		b := bt.AllocateBlocknum()
		bs = append(bs, b)
		if i != 2 {
			writeBlock(t, f, bt, b, []byte("data"), false)
		}
	}

	var got []fttypes.Blocknum
	err := bt.Iterate(Current,
		func(b fttypes.Blocknum, off fttypes.DiskOff, size int64) error {
			got = append(got, b)
			return nil
		})
	if err != nil {
		t.Errorf("Iterate() failed with %s", err)
	}
	want := []fttypes.Blocknum{bs[0], bs[1], bs[3]}
	if !testutil.DeepEqual(got, want) {
		t.Errorf("Iterate() got %v want %v", got, want)
	}

	got = nil
	bt.Iterate(Checkpointed,
		func(b fttypes.Blocknum, off fttypes.DiskOff, size int64) error {
			got = append(got, b)
			return nil
		})
	if len(got) != 0 {
		t.Errorf("Iterate(Checkpointed) got %v want none", got)
	}
}

func TestDeserializeCorrupt(t *testing.T) {
	f := testutil.NewMemFile("test.ft")
	bt := New()
	writeBlock(t, f, bt, bt.AllocateBlocknum(), []byte("data"), false)
	lease := bt.NoteStartCheckpoint()
	toff, tsize, err := lease.Serialize(f)
	if err != nil {
		t.Fatalf("Serialize() failed with %s", err)
	}
	lease.NoteEnd(f)

	f.RawWriteAt([]byte{0xFF}, int64(toff)+10)
	if _, err := Deserialize(f, toff, tsize); err == nil {
		t.Errorf("Deserialize() did not fail on corrupt translation")
	}
}

func TestStartCheckpointTwice(t *testing.T) {
	bt := New()
	bt.NoteStartCheckpoint()

	defer func() {
		if recover() == nil {
			t.Errorf("NoteStartCheckpoint() did not panic")
		}
	}()
	bt.NoteStartCheckpoint()
}
