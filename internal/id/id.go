// Package id generates time-ordered 64-bit message identifiers.
//
// Layout: 41 bits of milliseconds since epoch, 10 bits of node id,
// 12 bits of per-millisecond sequence. Identifiers from one node are
// strictly increasing; across nodes they are ordered by millisecond only.
package id

import (
	"fmt"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

type Node struct {
	mu        sync.Mutex
	timestamp int64
	nodeID    int64
	step      int64
	now       func() int64
}

func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, fmt.Errorf("node id %d out of range [0, %d]", nodeID, nodeMax)
	}
	return &Node{
		nodeID: nodeID,
		now:    func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Generate returns the next identifier. Safe for concurrent use.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()

	// Clock moved backwards: keep issuing from the last seen millisecond.
	if now < n.timestamp {
		now = n.timestamp
	}

	if now == n.timestamp {
		n.step = (n.step + 1) & stepMax
		if n.step == 0 {
			for now <= n.timestamp {
				now = n.now()
			}
		}
	} else {
		n.step = 0
	}

	n.timestamp = now

	return ((now - epoch) << timeShift) | (n.nodeID << nodeShift) | n.step
}

// Time extracts the generation time of an identifier.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch)
}
