package node

import (
	"fmt"

	"github.com/leftmike/fractal/fttypes"
)

type MessageType byte

const (
	Insert MessageType = iota + 1
	InsertNoOverwrite
	Delete
	Update
	// Broadcast messages apply to every key below the node that buffers them.
	CommitBroadcastAll
	Optimize
	UpdateBroadcastAll
)

var messageTypes = map[MessageType]string{
	Insert:             "insert",
	InsertNoOverwrite:  "insert-no-overwrite",
	Delete:             "delete",
	Update:             "update",
	CommitBroadcastAll: "commit-broadcast-all",
	Optimize:           "optimize",
	UpdateBroadcastAll: "update-broadcast-all",
}

func (mt MessageType) String() string {
	if s, ok := messageTypes[mt]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", mt)
}

func (mt MessageType) Valid() bool {
	_, ok := messageTypes[mt]
	return ok
}

// AppliesOnce is true for messages that name a single key.
func (mt MessageType) AppliesOnce() bool {
	switch mt {
	case Insert, InsertNoOverwrite, Delete, Update:
		return true
	}
	return false
}

// AppliesAll is true for broadcast messages.
func (mt MessageType) AppliesAll() bool {
	switch mt {
	case CommitBroadcastAll, Optimize, UpdateBroadcastAll:
		return true
	}
	return false
}

type Message struct {
	Type MessageType
	MSN  fttypes.MSN
	Key  []byte
	Val  []byte
}

func (msg Message) String() string {
	return fmt.Sprintf("%s msn=%d key=%q", msg.Type, msg.MSN, msg.Key)
}

func (msg Message) size() int {
	return 1 + 8 + 4 + len(msg.Key) + 4 + len(msg.Val)
}

// Compare orders keys; it returns less than, equal to, or greater than zero.
type Compare func(a, b []byte) int

// UpdateFunc computes the new value of key given its old value, if any, and the extra
// value of an update message; returning false deletes the key.
type UpdateFunc func(key, old, extra []byte) ([]byte, bool)
