package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/leftmike/fractal/fttypes"
)

const (
	SlotSize = 4096

	slotPrefixSize = 8 + 4 + 4
)

var (
	slotSignature = [8]byte{'f', 'r', 'a', 'c', 't', 'r', 'e', 'e'}

	ErrBadChecksum = errors.New("header: bad checksum")
	ErrNoHeader    = errors.New("header: no header")
	ErrTooNew      = errors.New("header: layout version too new")
)

// Field numbers of the header body.
const (
	fieldLayoutVersionOriginal = iota + 1
	fieldBuildID
	fieldBuildIDOriginal
	fieldCheckpointCount
	fieldCheckpointLSN
	fieldTimeOfCreation
	fieldTimeOfLastModification
	fieldTimeOfLastVerification
	fieldRoot
	fieldFlags
	fieldNodeSize
	fieldBasementNodeSize
	fieldCompressionMethod
	fieldFanout
	fieldHighestUnusedMSNForUpgrade
	fieldMaxMSNInFT
	fieldTimeOfLastOptimizeBegin
	fieldTimeOfLastOptimizeEnd
	fieldCountOfOptimizeInProgress
	fieldMSNAtStartOfLastCompletedOptimize
	fieldNumRows
	fieldNumBytes
	fieldTranslationOffset
	fieldTranslationSize
)

func appendVarint(buf []byte, num protowire.Number, v uint64) []byte {
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, v)
}

func appendTime(buf []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return buf
	}
	return appendVarint(buf, num, uint64(t.Unix()))
}

func encodeBody(h *Header, transOff fttypes.DiskOff, transSize int64) []byte {
	var buf []byte
	buf = appendVarint(buf, fieldLayoutVersionOriginal, uint64(h.LayoutVersionOriginal))
	buf = appendVarint(buf, fieldBuildID, uint64(h.BuildID))
	buf = appendVarint(buf, fieldBuildIDOriginal, uint64(h.BuildIDOriginal))
	buf = appendVarint(buf, fieldCheckpointCount, h.CheckpointCount)
	buf = appendVarint(buf, fieldCheckpointLSN, uint64(h.CheckpointLSN))
	buf = appendTime(buf, fieldTimeOfCreation, h.TimeOfCreation)
	buf = appendTime(buf, fieldTimeOfLastModification, h.TimeOfLastModification)
	buf = appendTime(buf, fieldTimeOfLastVerification, h.TimeOfLastVerification)
	buf = appendVarint(buf, fieldRoot, uint64(h.Root))
	buf = appendVarint(buf, fieldFlags, uint64(h.Flags))
	buf = appendVarint(buf, fieldNodeSize, uint64(h.NodeSize))
	buf = appendVarint(buf, fieldBasementNodeSize, uint64(h.BasementNodeSize))
	buf = appendVarint(buf, fieldCompressionMethod, uint64(h.CompressionMethod))
	buf = appendVarint(buf, fieldFanout, uint64(h.Fanout))
	buf = appendVarint(buf, fieldHighestUnusedMSNForUpgrade,
		uint64(h.HighestUnusedMSNForUpgrade))
	buf = appendVarint(buf, fieldMaxMSNInFT, uint64(h.MaxMSNInFT))
	buf = appendTime(buf, fieldTimeOfLastOptimizeBegin, h.TimeOfLastOptimizeBegin)
	buf = appendTime(buf, fieldTimeOfLastOptimizeEnd, h.TimeOfLastOptimizeEnd)
	buf = appendVarint(buf, fieldCountOfOptimizeInProgress,
		uint64(h.CountOfOptimizeInProgress))
	buf = appendVarint(buf, fieldMSNAtStartOfLastCompletedOptimize,
		uint64(h.MSNAtStartOfLastCompletedOptimize))
	buf = appendVarint(buf, fieldNumRows, protowire.EncodeZigZag(h.OnDiskStats.NumRows))
	buf = appendVarint(buf, fieldNumBytes, protowire.EncodeZigZag(h.OnDiskStats.NumBytes))
	buf = appendVarint(buf, fieldTranslationOffset, uint64(transOff))
	buf = appendVarint(buf, fieldTranslationSize, uint64(transSize))
	return buf
}

func decodeTime(v uint64) time.Time {
	return time.Unix(int64(v), 0)
}

func decodeBody(buf []byte) (*Header, fttypes.DiskOff, int64, error) {
	h := &Header{
		Type: Current,
	}
	var transOff fttypes.DiskOff
	var transSize int64

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, 0, 0, fmt.Errorf("header: bad field tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, 0, 0, fmt.Errorf("header: bad field %d: %w", num,
					protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		v, n := protowire.ConsumeVarint(buf)
		if n < 0 {
			return nil, 0, 0, fmt.Errorf("header: bad field %d: %w", num,
				protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case fieldLayoutVersionOriginal:
			h.LayoutVersionOriginal = uint32(v)
		case fieldBuildID:
			h.BuildID = uint32(v)
		case fieldBuildIDOriginal:
			h.BuildIDOriginal = uint32(v)
		case fieldCheckpointCount:
			h.CheckpointCount = v
		case fieldCheckpointLSN:
			h.CheckpointLSN = fttypes.LSN(v)
		case fieldTimeOfCreation:
			h.TimeOfCreation = decodeTime(v)
		case fieldTimeOfLastModification:
			h.TimeOfLastModification = decodeTime(v)
		case fieldTimeOfLastVerification:
			h.TimeOfLastVerification = decodeTime(v)
		case fieldRoot:
			h.Root = fttypes.Blocknum(v)
		case fieldFlags:
			h.Flags = uint32(v)
		case fieldNodeSize:
			h.NodeSize = uint32(v)
		case fieldBasementNodeSize:
			h.BasementNodeSize = uint32(v)
		case fieldCompressionMethod:
			h.CompressionMethod = fttypes.CompressionMethod(v)
		case fieldFanout:
			h.Fanout = uint32(v)
		case fieldHighestUnusedMSNForUpgrade:
			h.HighestUnusedMSNForUpgrade = fttypes.MSN(v)
		case fieldMaxMSNInFT:
			h.MaxMSNInFT = fttypes.MSN(v)
		case fieldTimeOfLastOptimizeBegin:
			h.TimeOfLastOptimizeBegin = decodeTime(v)
		case fieldTimeOfLastOptimizeEnd:
			h.TimeOfLastOptimizeEnd = decodeTime(v)
		case fieldCountOfOptimizeInProgress:
			h.CountOfOptimizeInProgress = uint32(v)
		case fieldMSNAtStartOfLastCompletedOptimize:
			h.MSNAtStartOfLastCompletedOptimize = fttypes.MSN(v)
		case fieldNumRows:
			h.OnDiskStats.NumRows = protowire.DecodeZigZag(v)
		case fieldNumBytes:
			h.OnDiskStats.NumBytes = protowire.DecodeZigZag(v)
		case fieldTranslationOffset:
			transOff = fttypes.DiskOff(v)
		case fieldTranslationSize:
			transSize = int64(v)
		}
	}

	return h, transOff, transSize, nil
}

// Serialize writes h, which locates the translation at transOff, to the slot selected by
// its checkpoint count. It returns the number of bytes written.
func Serialize(w io.WriterAt, h *Header, transOff fttypes.DiskOff, transSize int64) (int,
	error) {

	body := encodeBody(h, transOff, transSize)
	if slotPrefixSize+len(body)+8 > SlotSize {
		panic(fmt.Sprintf("header: header too large: %d", len(body)))
	}

	buf := make([]byte, 0, slotPrefixSize+len(body)+8)
	buf = append(buf, slotSignature[:]...)
	buf = binary.BigEndian.AppendUint32(buf, h.LayoutVersion)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf))

	n, err := w.WriteAt(buf, int64(h.Slot())*SlotSize)
	if err != nil {
		return n, fmt.Errorf("header: write slot %d: %w", h.Slot(), err)
	}
	return n, nil
}

type slot struct {
	h         *Header
	transOff  fttypes.DiskOff
	transSize int64
	err       error
}

func readSlot(r io.ReaderAt, n int) slot {
	buf := make([]byte, SlotSize)
	cnt, err := r.ReadAt(buf, int64(n)*SlotSize)
	if err != nil && err != io.EOF {
		return slot{err: err}
	}
	buf = buf[:cnt]
	if cnt < slotPrefixSize || bytes.Equal(buf[:8], make([]byte, 8)) {
		return slot{err: ErrNoHeader}
	}
	if !bytes.Equal(buf[:8], slotSignature[:]) {
		return slot{err: ErrBadChecksum}
	}

	ver := binary.BigEndian.Uint32(buf[8:])
	length := int(binary.BigEndian.Uint32(buf[12:]))
	if slotPrefixSize+length+8 > cnt {
		return slot{err: ErrBadChecksum}
	}
	sum := binary.BigEndian.Uint64(buf[slotPrefixSize+length:])
	if xxhash.Sum64(buf[:slotPrefixSize+length]) != sum {
		return slot{err: ErrBadChecksum}
	}
	if ver > LayoutVersion {
		return slot{err: fmt.Errorf("header: slot %d: version %d: %w", n, ver, ErrTooNew)}
	} else if ver < LayoutVersionMin {
		return slot{err: fmt.Errorf("header: slot %d: version %d too old", n, ver)}
	}

	h, transOff, transSize, err := decodeBody(buf[slotPrefixSize : slotPrefixSize+length])
	if err != nil {
		return slot{err: err}
	}
	h.LayoutVersion = ver
	h.LayoutVersionReadFromDisk = ver
	return slot{h: h, transOff: transOff, transSize: transSize}
}

// Deserialize reads both header slots and returns the most recent header, and the
// location of its translation, whose checkpoint is no later than maxLSN. A slot with a
// bad checksum is ignored as long as the other slot is good.
func Deserialize(r io.ReaderAt, maxLSN fttypes.LSN) (*Header, fttypes.DiskOff, int64,
	error) {

	slots := []slot{readSlot(r, 0), readSlot(r, 1)}

	var best *slot
	var badChecksum bool
	for i := range slots {
		s := &slots[i]
		if s.err != nil {
			if errors.Is(s.err, ErrNoHeader) {
				continue
			} else if errors.Is(s.err, ErrBadChecksum) {
				badChecksum = true
				continue
			}
			return nil, 0, 0, s.err
		}
		if s.h.CheckpointLSN > maxLSN {
			continue
		}
		if best == nil || s.h.CheckpointCount > best.h.CheckpointCount {
			best = s
		}
	}

	if best == nil {
		if badChecksum {
			return nil, 0, 0, ErrBadChecksum
		}
		return nil, 0, 0, ErrNoHeader
	}
	if best.h.LayoutVersion < LayoutVersion {
		best.h.LayoutVersion = LayoutVersion
		best.h.Dirty = true
	}
	if best.h.LayoutVersionOriginal < LayoutVersion19 &&
		best.h.HighestUnusedMSNForUpgrade == fttypes.ZeroMSN {

		best.h.HighestUnusedMSNForUpgrade = fttypes.MinMSN - 1
	}
	best.h.CountOfOptimizeInProgressReadDisk = best.h.CountOfOptimizeInProgress
	return best.h, best.transOff, best.transSize, nil
}
