package node

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"

	"github.com/leftmike/fractal/fttypes"
)

const (
	nodeHeaderSize = 8 + 4 + 4 + 4 + 8 + 4 + 1 + 4 + 4
)

var (
	nodeSignature = [8]byte{'f', 'r', 'a', 'c', 'n', 'o', 'd', 'e'}

	ErrBadChecksum = errors.New("node: bad checksum")
)

func compress(cm fttypes.CompressionMethod, buf []byte) ([]byte, error) {
	switch cm {
	case fttypes.NoCompression:
		return buf, nil
	case fttypes.SnappyCompression:
		return snappy.Encode(nil, buf), nil
	case fttypes.ZlibCompression:
		var zbuf bytes.Buffer
		w := zlib.NewWriter(&zbuf)
		_, err := w.Write(buf)
		if err != nil {
			return nil, err
		}
		err = w.Close()
		if err != nil {
			return nil, err
		}
		return zbuf.Bytes(), nil
	}
	return nil, fmt.Errorf("node: unknown compression method: %s", cm)
}

func decompress(cm fttypes.CompressionMethod, buf []byte, size int) ([]byte, error) {
	switch cm {
	case fttypes.NoCompression:
		return buf, nil
	case fttypes.SnappyCompression:
		return snappy.Decode(make([]byte, size), buf)
	case fttypes.ZlibCompression:
		r, err := zlib.NewReader(bytes.NewReader(buf))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		ubuf := make([]byte, size)
		_, err = io.ReadFull(r, ubuf)
		if err != nil {
			return nil, err
		}
		return ubuf, nil
	}
	return nil, fmt.Errorf("node: unknown compression method: %s", cm)
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendIndexes(buf []byte, idxs []int) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(idxs)))
	for _, idx := range idxs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(idx))
	}
	return buf
}

func (n *Node) encodePartitions() []byte {
	var buf []byte
	for _, p := range n.Pivots {
		buf = appendBytes(buf, p)
	}
	for _, c := range n.Children {
		if n.IsLeaf() {
			buf = binary.BigEndian.AppendUint64(buf, uint64(c.Basement.MaxMSNApplied))
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Basement.Entries)))
			for _, e := range c.Basement.Entries {
				buf = appendBytes(buf, e.Key)
				buf = appendBytes(buf, e.Val)
			}
		} else {
			buf = binary.BigEndian.AppendUint64(buf, uint64(c.Blocknum))
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Buffer.Messages)))
			for _, msg := range c.Buffer.Messages {
				buf = append(buf, byte(msg.Type))
				buf = binary.BigEndian.AppendUint64(buf, uint64(msg.MSN))
				buf = appendBytes(buf, msg.Key)
				buf = appendBytes(buf, msg.Val)
			}
			buf = appendIndexes(buf, c.Buffer.Fresh)
			buf = appendIndexes(buf, c.Buffer.Stale)
			buf = appendIndexes(buf, c.Buffer.Broadcast)
		}
	}
	return buf
}

// Encode serializes the node, compressing its partitions with cm.
func (n *Node) Encode(cm fttypes.CompressionMethod) ([]byte, error) {
	if !n.FullyInMemory() {
		panic(fmt.Sprintf("node: encode of %s which is not fully in memory", n))
	}

	ubuf := n.encodePartitions()
	cbuf, err := compress(cm, ubuf)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, nodeHeaderSize+len(cbuf)+8)
	buf = append(buf, nodeSignature[:]...)
	buf = binary.BigEndian.AppendUint32(buf, n.LayoutVersion)
	buf = binary.BigEndian.AppendUint32(buf, n.LayoutVersionOriginal)
	buf = binary.BigEndian.AppendUint32(buf, uint32(n.Height))
	buf = binary.BigEndian.AppendUint64(buf, uint64(n.MaxMSNAppliedOnDisk))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(n.Children)))
	buf = append(buf, byte(cm))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ubuf)))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(cbuf)))
	buf = append(buf, cbuf...)
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) fail(what string) {
	if d.err == nil {
		d.err = fmt.Errorf("node: truncated %s", what)
	}
}

func (d *decoder) uint32(what string) uint32 {
	if d.err != nil || len(d.buf) < 4 {
		d.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v
}

func (d *decoder) uint64(what string) uint64 {
	if d.err != nil || len(d.buf) < 8 {
		d.fail(what)
		return 0
	}
	v := binary.BigEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v
}

func (d *decoder) byte(what string) byte {
	if d.err != nil || len(d.buf) < 1 {
		d.fail(what)
		return 0
	}
	v := d.buf[0]
	d.buf = d.buf[1:]
	return v
}

func (d *decoder) bytes(what string) []byte {
	l := d.uint32(what)
	if d.err != nil || uint32(len(d.buf)) < l {
		d.fail(what)
		return nil
	}
	v := append([]byte(nil), d.buf[:l]...)
	d.buf = d.buf[l:]
	return v
}

func (d *decoder) indexes(what string, max int) []int {
	cnt := d.uint32(what)
	if d.err != nil || uint32(len(d.buf)/4) < cnt {
		d.fail(what)
		return nil
	}
	var idxs []int
	for i := uint32(0); i < cnt; i++ {
		idx := int(d.uint32(what))
		if idx >= max {
			d.err = fmt.Errorf("node: %s index out of range: %d", what, idx)
			return nil
		}
		idxs = append(idxs, idx)
	}
	return idxs
}

// Decode deserializes a node read from the disk for blocknum b.
func Decode(b fttypes.Blocknum, fullhash uint32, buf []byte) (*Node, error) {
	if len(buf) < nodeHeaderSize+8 {
		return nil, fmt.Errorf("node: block %d too short: %d", b, len(buf))
	}
	sum := binary.BigEndian.Uint64(buf[len(buf)-8:])
	buf = buf[:len(buf)-8]
	if xxhash.Sum64(buf) != sum {
		return nil, fmt.Errorf("node: block %d: %w", b, ErrBadChecksum)
	}
	if !bytes.Equal(buf[:8], nodeSignature[:]) {
		return nil, fmt.Errorf("node: block %d: bad signature: %v", b, buf[:8])
	}

	d := decoder{buf: buf[8:]}
	n := &Node{
		Blocknum:              b,
		FullHash:              fullhash,
		LayoutVersion:         d.uint32("layout version"),
		LayoutVersionOriginal: d.uint32("original layout version"),
		Height:                int(d.uint32("height")),
		MaxMSNAppliedOnDisk:   fttypes.MSN(d.uint64("max msn")),
	}
	nchildren := int(d.uint32("number of children"))
	cm := fttypes.CompressionMethod(d.byte("compression method"))
	usize := int(d.uint32("uncompressed size"))
	csize := int(d.uint32("compressed size"))
	if d.err != nil {
		return nil, d.err
	}
	if nchildren < 1 || csize != len(d.buf) {
		return nil, fmt.Errorf("node: block %d: bad header: %d children, %d compressed bytes",
			b, nchildren, csize)
	}

	ubuf, err := decompress(cm, d.buf, usize)
	if err != nil {
		return nil, fmt.Errorf("node: block %d: %w", b, err)
	}
	d = decoder{buf: ubuf}
	for i := 0; i < nchildren-1; i++ {
		n.Pivots = append(n.Pivots, d.bytes("pivot"))
	}
	for i := 0; i < nchildren; i++ {
		c := Child{State: Available}
		if n.IsLeaf() {
			bn := &Basement{MaxMSNApplied: fttypes.MSN(d.uint64("basement msn"))}
			cnt := int(d.uint32("number of entries"))
			for j := 0; j < cnt && d.err == nil; j++ {
				bn.Entries = append(bn.Entries,
					Entry{Key: d.bytes("entry key"), Val: d.bytes("entry value")})
			}
			c.Basement = bn
		} else {
			c.Blocknum = fttypes.Blocknum(d.uint64("child blocknum"))
			mb := NewMessageBuffer()
			cnt := int(d.uint32("number of messages"))
			for j := 0; j < cnt && d.err == nil; j++ {
				mb.Messages = append(mb.Messages,
					Message{
						Type: MessageType(d.byte("message type")),
						MSN:  fttypes.MSN(d.uint64("message msn")),
						Key:  d.bytes("message key"),
						Val:  d.bytes("message value"),
					})
			}
			mb.Fresh = d.indexes("fresh", len(mb.Messages))
			mb.Stale = d.indexes("stale", len(mb.Messages))
			mb.Broadcast = d.indexes("broadcast", len(mb.Messages))
			c.Buffer = mb
		}
		n.Children = append(n.Children, c)
	}
	if d.err != nil {
		return nil, fmt.Errorf("node: block %d: %w", b, d.err)
	}
	if len(d.buf) > 0 {
		return nil, fmt.Errorf("node: block %d: %d extra bytes", b, len(d.buf))
	}
	return n, nil
}
