// Package fttypes holds the scalar types shared by the fractal tree packages.
package fttypes

import (
	"fmt"
	"math"
	"strings"
)

// LSN is a log sequence number.
type LSN uint64

const (
	ZeroLSN LSN = 0
	MaxLSN  LSN = math.MaxUint64
)

// MSN is a message sequence number; messages injected into a tree get strictly increasing
// MSNs.
type MSN uint64

const (
	ZeroMSN MSN = 0
	// MinMSN is the first MSN handed out to a message; MSNs below it are reserved for
	// trees upgraded from older layouts.
	MinMSN MSN = 1 << 62
)

// Blocknum is the logical address of a block; the blocktable translates it to a disk
// offset.
type Blocknum int64

const (
	NullBlocknum        Blocknum = 0
	TranslationBlocknum Blocknum = 1
	DescriptorBlocknum  Blocknum = 2
	ReservedBlocknums   Blocknum = 3
)

func (b Blocknum) String() string {
	return fmt.Sprintf("%d", int64(b))
}

type DiskOff int64

// FileNum identifies an open cache file.
type FileNum uint32

// DictionaryID identifies a logical dictionary; it survives dictionary redirects.
type DictionaryID uint64

type TXNID uint64

type CompressionMethod byte

const (
	NoCompression CompressionMethod = iota
	SnappyCompression
	ZlibCompression
)

func (cm CompressionMethod) String() string {
	switch cm {
	case NoCompression:
		return "none"
	case SnappyCompression:
		return "snappy"
	case ZlibCompression:
		return "zlib"
	default:
		return fmt.Sprintf("CompressionMethod(%d)", cm)
	}
}

func ParseCompressionMethod(s string) (CompressionMethod, error) {
	switch strings.ToLower(s) {
	case "none":
		return NoCompression, nil
	case "snappy":
		return SnappyCompression, nil
	case "zlib":
		return ZlibCompression, nil
	}
	return 0, fmt.Errorf("fttypes: got %s for compression; want none, snappy, or zlib", s)
}
