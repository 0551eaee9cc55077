// Package header is the persistent metadata of a fractal tree and its on-disk codec.
package header

import (
	"fmt"
	"time"

	"github.com/leftmike/fractal/fttypes"
)

const (
	LayoutVersion uint32 = 29
	// Trees created before LayoutVersion19 need HighestUnusedMSNForUpgrade carried forward
	// by every checkpoint.
	LayoutVersion19  uint32 = 19
	LayoutVersionMin uint32 = 13

	BuildID uint32 = 1

	DefaultNodeSize         = 4 << 20
	DefaultBasementNodeSize = 128 << 10
	DefaultFanout           = 16
	DefaultCompression      = fttypes.SnappyCompression
)

type Type int

const (
	Current Type = iota + 1
	CheckpointInProgress
)

func (typ Type) String() string {
	switch typ {
	case Current:
		return "current"
	case CheckpointInProgress:
		return "checkpoint-in-progress"
	}
	return fmt.Sprintf("Type(%d)", int(typ))
}

type Stats struct {
	NumRows  int64
	NumBytes int64
}

func (s Stats) Add(d Stats) Stats {
	return Stats{NumRows: s.NumRows + d.NumRows, NumBytes: s.NumBytes + d.NumBytes}
}

type Header struct {
	Type  Type
	Dirty bool

	LayoutVersion             uint32
	LayoutVersionOriginal     uint32
	LayoutVersionReadFromDisk uint32
	BuildID                   uint32
	BuildIDOriginal           uint32

	CheckpointCount uint64
	CheckpointLSN   fttypes.LSN

	TimeOfCreation         time.Time
	TimeOfLastModification time.Time
	TimeOfLastVerification time.Time

	Root  fttypes.Blocknum
	Flags uint32

	NodeSize          uint32
	BasementNodeSize  uint32
	CompressionMethod fttypes.CompressionMethod
	Fanout            uint32

	HighestUnusedMSNForUpgrade fttypes.MSN
	MaxMSNInFT                 fttypes.MSN

	TimeOfLastOptimizeBegin           time.Time
	TimeOfLastOptimizeEnd             time.Time
	CountOfOptimizeInProgress         uint32
	CountOfOptimizeInProgressReadDisk uint32
	MSNAtStartOfLastCompletedOptimize fttypes.MSN

	OnDiskStats Stats
}

// New returns the current header of a newly created tree.
func New(root fttypes.Blocknum, now time.Time, nodeSize, basementNodeSize, fanout uint32,
	cm fttypes.CompressionMethod) *Header {

	return &Header{
		Type:                      Current,
		Dirty:                     true,
		LayoutVersion:             LayoutVersion,
		LayoutVersionOriginal:     LayoutVersion,
		LayoutVersionReadFromDisk: LayoutVersion,
		BuildID:                   BuildID,
		BuildIDOriginal:           BuildID,
		TimeOfCreation:            now,
		TimeOfLastModification:    now,
		Root:                      root,
		NodeSize:                  nodeSize,
		BasementNodeSize:          basementNodeSize,
		CompressionMethod:         cm,
		Fanout:                    fanout,
		MaxMSNInFT:                fttypes.ZeroMSN,
	}
}

// Clone returns a deep copy of h.
func (h *Header) Clone() *Header {
	nh := *h
	return &nh
}

// Slot returns the header slot the next write of h uses.
func (h *Header) Slot() int {
	return int(h.CheckpointCount % 2)
}
