package ids

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits = 10
	seqBits  = 12
	maxNode  = 1<<nodeBits - 1
	seqMask  = 1<<seqBits - 1
	tsMask   = 1<<41 - 1
)

var epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Node hands out snowflake ids: 41 bits of milliseconds since epoch,
// 10 bits of node id, 12 bits of per-millisecond sequence.
type Node struct {
	mu     sync.Mutex
	id     int64
	seq    int64
	lastMS int64
	now    func() time.Time
}

func NewNode(id int64) (*Node, error) {
	if id < 0 || id > maxNode {
		return nil, fmt.Errorf("node id %d out of range [0,%d]", id, maxNode)
	}
	return &Node{id: id, now: time.Now}, nil
}

func (n *Node) Next() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := n.now().Sub(epoch).Milliseconds()
	if ms < n.lastMS {
		// clock moved backwards; keep issuing from the last seen millisecond
		ms = n.lastMS
	}
	if ms == n.lastMS {
		n.seq = (n.seq + 1) & seqMask
		if n.seq == 0 {
			for ms <= n.lastMS {
				time.Sleep(100 * time.Microsecond)
				ms = n.now().Sub(epoch).Milliseconds()
			}
		}
	} else {
		n.seq = 0
	}
	n.lastMS = ms
	return (ms&tsMask)<<(nodeBits+seqBits) | n.id<<seqBits | n.seq
}

func (n *Node) NextString() string {
	return strconv.FormatInt(n.Next(), 10)
}

var (
	defaultNode, _ = NewNode(1)
	defaultMu      sync.RWMutex
)

// SetNodeID replaces the default node, call it once from main.
func SetNodeID(id int64) error {
	n, err := NewNode(id)
	if err != nil {
		return err
	}
	defaultMu.Lock()
	defaultNode = n
	defaultMu.Unlock()
	return nil
}

func Generate() int64 {
	defaultMu.RLock()
	n := defaultNode
	defaultMu.RUnlock()
	return n.Next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}
