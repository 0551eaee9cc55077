package node

import (
	"sort"
)

// MessageBuffer holds the messages buffered for one child of an internal node. Messages
// are kept in the order they arrived. Fresh and Stale index the single key messages in
// (key, msn) order; fresh messages have not yet been seen by a query. Broadcast indexes
// the broadcast messages.
type MessageBuffer struct {
	Messages  []Message
	Fresh     []int
	Stale     []int
	Broadcast []int
}

func NewMessageBuffer() *MessageBuffer {
	return &MessageBuffer{}
}

func (mb *MessageBuffer) Len() int {
	return len(mb.Messages)
}

// Size returns the number of bytes the messages take when serialized.
func (mb *MessageBuffer) Size() int {
	var sz int
	for _, msg := range mb.Messages {
		sz += msg.size()
	}
	return sz
}

func compareMessages(cmp Compare, m1, m2 Message) int {
	c := cmp(m1.Key, m2.Key)
	if c != 0 {
		return c
	}
	if m1.MSN < m2.MSN {
		return -1
	} else if m1.MSN > m2.MSN {
		return 1
	}
	return 0
}

func (mb *MessageBuffer) insertSorted(cmp Compare, idxs []int, idx int) []int {
	msg := mb.Messages[idx]
	pos := sort.Search(len(idxs),
		func(i int) bool {
			return compareMessages(cmp, mb.Messages[idxs[i]], msg) > 0
		})
	idxs = append(idxs, 0)
	copy(idxs[pos+1:], idxs[pos:])
	idxs[pos] = idx
	return idxs
}

// Enqueue appends msg to the buffer; a single key message is indexed as fresh or stale.
func (mb *MessageBuffer) Enqueue(cmp Compare, msg Message, fresh bool) {
	idx := len(mb.Messages)
	mb.Messages = append(mb.Messages, msg)
	if msg.Type.AppliesAll() {
		mb.Broadcast = append(mb.Broadcast, idx)
	} else if fresh {
		mb.Fresh = mb.insertSorted(cmp, mb.Fresh, idx)
	} else {
		mb.Stale = mb.insertSorted(cmp, mb.Stale, idx)
	}
}

// MarkAllStale moves every fresh message to the stale index.
func (mb *MessageBuffer) MarkAllStale(cmp Compare) {
	for _, idx := range mb.Fresh {
		mb.Stale = mb.insertSorted(cmp, mb.Stale, idx)
	}
	mb.Fresh = nil
}

// AllStale returns a copy of the buffer with every fresh message moved to the stale
// index; mb is not changed.
func (mb *MessageBuffer) AllStale(cmp Compare) *MessageBuffer {
	nmb := mb.Clone()
	nmb.MarkAllStale(cmp)
	return nmb
}

func (mb *MessageBuffer) Clone() *MessageBuffer {
	return &MessageBuffer{
		Messages:  append([]Message(nil), mb.Messages...),
		Fresh:     append([]int(nil), mb.Fresh...),
		Stale:     append([]int(nil), mb.Stale...),
		Broadcast: append([]int(nil), mb.Broadcast...),
	}
}
