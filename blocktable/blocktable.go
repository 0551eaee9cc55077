// Package blocktable maps the blocknums of a fractal tree file to locations in the file.
//
// Three translations exist: current, which every new write updates; in-progress, a copy
// of current taken when a checkpoint begins; and checkpointed, the translation most
// recently written to disk. A block's disk space is reused only after no translation
// references it, so a crash during a checkpoint always leaves the previous checkpoint
// intact.
package blocktable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/leftmike/fractal/fttypes"
)

var (
	errBadTranslation = errors.New("blocktable: bad translation checksum")
)

type File interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

type blockPair struct {
	off  fttypes.DiskOff // -1: allocated blocknum without disk space
	size int64
}

type translation struct {
	next   fttypes.Blocknum
	blocks map[fttypes.Blocknum]blockPair
}

func (t *translation) clone() *translation {
	nt := &translation{
		next:   t.next,
		blocks: make(map[fttypes.Blocknum]blockPair, len(t.blocks)),
	}
	for b, bp := range t.blocks {
		nt.blocks[b] = bp
	}
	return nt
}

func (t *translation) references(b fttypes.Blocknum, bp blockPair) bool {
	if t == nil {
		return false
	}
	cur, ok := t.blocks[b]
	return ok && cur.off == bp.off
}

func (t *translation) sortedBlocknums() []fttypes.Blocknum {
	bs := make([]fttypes.Blocknum, 0, len(t.blocks))
	for b := range t.blocks {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i] < bs[j] })
	return bs
}

type BlockTable struct {
	mutex         sync.Mutex
	current       *translation
	inprogress    *translation
	checkpointed  *translation
	freeBlocknums []fttypes.Blocknum
	alloc         *allocator
	skipped       bool
}

// New returns the blocktable for a newly created file.
func New() *BlockTable {
	return &BlockTable{
		current: &translation{
			next:   fttypes.ReservedBlocknums,
			blocks: map[fttypes.Blocknum]blockPair{},
		},
		checkpointed: &translation{
			next:   fttypes.ReservedBlocknums,
			blocks: map[fttypes.Blocknum]blockPair{},
		},
		alloc: newAllocator(),
	}
}

func (bt *BlockTable) Lock() {
	bt.mutex.Lock()
}

func (bt *BlockTable) Unlock() {
	bt.mutex.Unlock()
}

func (bt *BlockTable) AllocateBlocknum() fttypes.Blocknum {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	var b fttypes.Blocknum
	if len(bt.freeBlocknums) > 0 {
		b = bt.freeBlocknums[0]
		bt.freeBlocknums = bt.freeBlocknums[1:]
	} else {
		b = bt.current.next
		bt.current.next += 1
	}
	bt.current.blocks[b] = blockPair{off: -1}
	return b
}

func (bt *BlockTable) FreeBlocknum(b fttypes.Blocknum) {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	bp, ok := bt.current.blocks[b]
	if !ok || b < fttypes.ReservedBlocknums {
		panic(fmt.Sprintf("blocktable: free of unallocated blocknum %d", b))
	}
	delete(bt.current.blocks, b)
	bt.freeBlocknums = append(bt.freeBlocknums, b)
	bt.maybeRelease(b, bp)
}

// maybeRelease returns the space of bp to the allocator unless some translation still
// references it.
func (bt *BlockTable) maybeRelease(b fttypes.Blocknum, bp blockPair) {
	if bp.off < 0 {
		return
	}
	if bt.current.references(b, bp) || bt.inprogress.references(b, bp) ||
		bt.checkpointed.references(b, bp) {
		return
	}
	bt.alloc.release(bp.off, bp.size)
}

// Translate returns the location of b in the current translation.
func (bt *BlockTable) Translate(b fttypes.Blocknum) (fttypes.DiskOff, int64, error) {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	bp, ok := bt.current.blocks[b]
	if !ok {
		return 0, 0, fmt.Errorf("blocktable: blocknum %d not allocated", b)
	}
	if bp.off < 0 {
		return 0, 0, fmt.Errorf("blocktable: blocknum %d has no disk space", b)
	}
	return bp.off, bp.size, nil
}

// Realloc assigns new disk space of size bytes to b and returns its offset. When
// forCheckpoint is true, the write belongs to the checkpoint in progress and the
// in-progress translation is updated as well.
func (bt *BlockTable) Realloc(b fttypes.Blocknum, size int64, forCheckpoint bool) fttypes.DiskOff {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	return bt.realloc(b, size, forCheckpoint)
}

func (bt *BlockTable) realloc(b fttypes.Blocknum, size int64,
	forCheckpoint bool) fttypes.DiskOff {

	old, ok := bt.current.blocks[b]
	if !ok {
		panic(fmt.Sprintf("blocktable: realloc of unallocated blocknum %d", b))
	}
	if forCheckpoint && bt.inprogress == nil {
		panic("blocktable: realloc for checkpoint without a checkpoint in progress")
	}

	bp := blockPair{off: bt.alloc.alloc(size), size: size}
	bt.current.blocks[b] = bp
	bt.maybeRelease(b, old)

	if forCheckpoint {
		if prev, ok := bt.inprogress.blocks[b]; ok {
			bt.inprogress.blocks[b] = bp
			bt.maybeRelease(b, prev)
		}
	}
	return bp.off
}

// ReallocDescriptorOnDisk writes desc to new space belonging to the descriptor blocknum.
func (bt *BlockTable) ReallocDescriptorOnDisk(f File, desc []byte) error {
	buf := make([]byte, 0, len(desc)+8)
	buf = append(buf, desc...)
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(desc))

	bt.mutex.Lock()
	if _, ok := bt.current.blocks[fttypes.DescriptorBlocknum]; !ok {
		bt.current.blocks[fttypes.DescriptorBlocknum] = blockPair{off: -1}
	}
	off := bt.realloc(fttypes.DescriptorBlocknum, int64(len(buf)), false)
	bt.mutex.Unlock()

	_, err := f.WriteAt(buf, int64(off))
	return err
}

// ReadDescriptor returns the descriptor from the current translation; a file without a
// descriptor has an empty one.
func (bt *BlockTable) ReadDescriptor(f File) ([]byte, error) {
	bt.mutex.Lock()
	bp, ok := bt.current.blocks[fttypes.DescriptorBlocknum]
	bt.mutex.Unlock()

	if !ok || bp.off < 0 {
		return nil, nil
	}
	buf := make([]byte, bp.size)
	_, err := f.ReadAt(buf, int64(bp.off))
	if err != nil {
		return nil, fmt.Errorf("blocktable: read descriptor: %w", err)
	}
	if len(buf) < 8 {
		return nil, errors.New("blocktable: descriptor too short")
	}
	desc := buf[:len(buf)-8]
	if xxhash.Sum64(desc) != binary.BigEndian.Uint64(buf[len(buf)-8:]) {
		return nil, errors.New("blocktable: bad descriptor checksum")
	}
	return desc, nil
}

// NoteStartCheckpoint copies the current translation to the in-progress translation. The
// returned Lease is the only way the in-flight checkpoint may use the blocktable.
func (bt *BlockTable) NoteStartCheckpoint() *Lease {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	if bt.inprogress != nil {
		panic("blocktable: checkpoint already in progress")
	}
	bt.inprogress = bt.current.clone()
	bt.skipped = false
	return &Lease{bt: bt}
}

type Kind int

const (
	Current Kind = iota
	Checkpointed
)

type IterateFunc func(b fttypes.Blocknum, off fttypes.DiskOff, size int64) error

// Iterate calls fn, in blocknum order, for every block with disk space in the given
// translation.
func (bt *BlockTable) Iterate(kind Kind, fn IterateFunc) error {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	return bt.IterateLocked(kind, fn)
}

// IterateLocked is Iterate for callers that already hold the blocktable lock.
func (bt *BlockTable) IterateLocked(kind Kind, fn IterateFunc) error {
	t := bt.current
	if kind == Checkpointed {
		t = bt.checkpointed
	}
	for _, b := range t.sortedBlocknums() {
		bp := t.blocks[b]
		if bp.off < 0 {
			continue
		}
		err := fn(b, bp.off, bp.size)
		if err != nil {
			return err
		}
	}
	return nil
}

type Info struct {
	NumBlocknumsAllocated int64
	NumBlocksInUse        int64
	SizeAllocated         int64
	SizeInUse             int64
}

func (bt *BlockTable) GetInfo64() Info {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	info := Info{
		NumBlocknumsAllocated: int64(bt.current.next-fttypes.ReservedBlocknums) -
			int64(len(bt.freeBlocknums)),
		SizeAllocated: int64(bt.alloc.limit),
	}
	for _, bp := range bt.current.blocks {
		if bp.off >= 0 {
			info.NumBlocksInUse += 1
			info.SizeInUse += bp.size
		}
	}
	return info
}

type Fragmentation struct {
	FileSizeBytes              int64
	DataBytes                  int64
	DataBlocks                 int64
	CheckpointBytesAdditional  int64
	CheckpointBlocksAdditional int64
	UnusedBytes                int64
	UnusedBlocks               int64
	LargestUnusedBlock         int64
}

func (bt *BlockTable) Fragmentation() Fragmentation {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	frag := Fragmentation{
		FileSizeBytes: int64(bt.alloc.limit),
	}
	for _, bp := range bt.current.blocks {
		if bp.off >= 0 {
			frag.DataBytes += bp.size
			frag.DataBlocks += 1
		}
	}
	seen := map[fttypes.DiskOff]struct{}{}
	for _, t := range []*translation{bt.inprogress, bt.checkpointed} {
		if t == nil {
			continue
		}
		for b, bp := range t.blocks {
			if bp.off < 0 || bt.current.references(b, bp) {
				continue
			}
			if _, ok := seen[bp.off]; ok {
				continue
			}
			seen[bp.off] = struct{}{}
			frag.CheckpointBytesAdditional += bp.size
			frag.CheckpointBlocksAdditional += 1
		}
	}
	frag.UnusedBytes, frag.UnusedBlocks, frag.LargestUnusedBlock = bt.alloc.unused()
	return frag
}

// VerifyNoFreeBlocknums fails if any blocknum below the high water mark is free.
func (bt *BlockTable) VerifyNoFreeBlocknums() error {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	if len(bt.freeBlocknums) > 0 {
		return fmt.Errorf("blocktable: %d free blocknums, first %d", len(bt.freeBlocknums),
			bt.freeBlocknums[0])
	}
	return nil
}

const (
	translationEntrySize = 24
)

func translationSize(t *translation) int64 {
	return 8 + 8 + int64(len(t.blocks))*translationEntrySize + 8
}

func encodeTranslation(t *translation) []byte {
	buf := make([]byte, 0, translationSize(t))
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.next))
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(t.blocks)))
	for _, b := range t.sortedBlocknums() {
		bp := t.blocks[b]
		buf = binary.BigEndian.AppendUint64(buf, uint64(b))
		buf = binary.BigEndian.AppendUint64(buf, uint64(bp.off))
		buf = binary.BigEndian.AppendUint64(buf, uint64(bp.size))
	}
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func decodeTranslation(buf []byte) (*translation, error) {
	if len(buf) < 24 {
		return nil, fmt.Errorf("blocktable: translation too short: %d", len(buf))
	}
	sum := binary.BigEndian.Uint64(buf[len(buf)-8:])
	buf = buf[:len(buf)-8]
	if xxhash.Sum64(buf) != sum {
		return nil, errBadTranslation
	}

	t := &translation{
		next:   fttypes.Blocknum(binary.BigEndian.Uint64(buf)),
		blocks: map[fttypes.Blocknum]blockPair{},
	}
	cnt := binary.BigEndian.Uint64(buf[8:])
	buf = buf[16:]
	if uint64(len(buf)) != cnt*translationEntrySize {
		return nil, fmt.Errorf("blocktable: translation length mismatch: %d entries, %d bytes",
			cnt, len(buf))
	}
	for len(buf) > 0 {
		b := fttypes.Blocknum(binary.BigEndian.Uint64(buf))
		t.blocks[b] = blockPair{
			off:  fttypes.DiskOff(binary.BigEndian.Uint64(buf[8:])),
			size: int64(binary.BigEndian.Uint64(buf[16:])),
		}
		buf = buf[translationEntrySize:]
	}
	return t, nil
}

// Deserialize loads the blocktable of an existing file from the translation stored at
// off.
func Deserialize(f File, off fttypes.DiskOff, size int64) (*BlockTable, error) {
	buf := make([]byte, size)
	_, err := f.ReadAt(buf, int64(off))
	if err != nil {
		return nil, fmt.Errorf("blocktable: read translation: %w", err)
	}
	ckpt, err := decodeTranslation(buf)
	if err != nil {
		return nil, err
	}
	if bp, ok := ckpt.blocks[fttypes.TranslationBlocknum]; !ok || bp.off != off {
		return nil, fmt.Errorf("blocktable: translation does not describe itself at %d", off)
	}

	cur := ckpt.clone()
	delete(cur.blocks, fttypes.TranslationBlocknum)

	var free []fttypes.Blocknum
	for b := fttypes.ReservedBlocknums; b < cur.next; b++ {
		if _, ok := cur.blocks[b]; !ok {
			free = append(free, b)
		}
	}

	var used []extent
	for _, bp := range ckpt.blocks {
		if bp.off >= 0 {
			used = append(used, extent{bp.off, bp.size})
		}
	}

	return &BlockTable{
		current:       cur,
		checkpointed:  ckpt,
		freeBlocknums: free,
		alloc:         makeAllocator(used),
	}, nil
}

// Destroy releases the blocktable; it must not be used afterwards.
func (bt *BlockTable) Destroy() {
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	if bt.inprogress != nil {
		panic("blocktable: destroy with checkpoint in progress")
	}
	bt.current = nil
	bt.checkpointed = nil
	bt.alloc = nil
}

// Lease is held by the checkpoint header between begin and end checkpoint; it shares the
// blocktable with the current header without copying it.
type Lease struct {
	bt         *BlockTable
	serialized bool
	done       bool
}

func (l *Lease) check(op string) {
	if l.done {
		panic(fmt.Sprintf("blocktable: %s on ended checkpoint lease", op))
	}
}

// Serialize writes the in-progress translation to new space in f and returns its
// location.
func (l *Lease) Serialize(f File) (fttypes.DiskOff, int64, error) {
	l.check("serialize")

	bt := l.bt
	bt.mutex.Lock()
	t := bt.inprogress
	if prev, ok := t.blocks[fttypes.TranslationBlocknum]; ok {
		delete(t.blocks, fttypes.TranslationBlocknum)
		bt.maybeRelease(fttypes.TranslationBlocknum, prev)
	}
	t.blocks[fttypes.TranslationBlocknum] = blockPair{}
	size := translationSize(t)
	bp := blockPair{off: bt.alloc.alloc(size), size: size}
	t.blocks[fttypes.TranslationBlocknum] = bp
	buf := encodeTranslation(t)
	bt.mutex.Unlock()

	if int64(len(buf)) != size {
		panic(fmt.Sprintf("blocktable: translation size %d; want %d", len(buf), size))
	}
	_, err := f.WriteAt(buf, int64(bp.off))
	if err != nil {
		return 0, 0, fmt.Errorf("blocktable: write translation: %w", err)
	}
	l.serialized = true
	return bp.off, size, nil
}

// NoteSkipped discards the in-progress translation of a checkpoint that wrote nothing.
func (l *Lease) NoteSkipped() {
	l.check("note skipped")

	bt := l.bt
	bt.mutex.Lock()
	defer bt.mutex.Unlock()

	t := bt.inprogress
	bt.inprogress = nil
	bt.skipped = true
	for b, bp := range t.blocks {
		bt.maybeRelease(b, bp)
	}
}

// NoteEnd completes the checkpoint: the in-progress translation becomes the checkpointed
// translation, space only the previous checkpoint referenced is freed, and any unused
// tail of f is truncated.
func (l *Lease) NoteEnd(f File) error {
	l.check("note end")
	l.done = true

	bt := l.bt
	bt.mutex.Lock()
	if bt.skipped {
		bt.skipped = false
		bt.mutex.Unlock()
		return nil
	}
	if !l.serialized {
		panic("blocktable: end of checkpoint that was neither written nor skipped")
	}

	old := bt.checkpointed
	bt.checkpointed = bt.inprogress
	bt.inprogress = nil
	for b, bp := range old.blocks {
		bt.maybeRelease(b, bp)
	}
	limit := int64(bt.alloc.limit)
	bt.mutex.Unlock()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() > limit {
		return f.Truncate(limit)
	}
	return nil
}
