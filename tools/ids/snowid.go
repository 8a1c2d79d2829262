package ids

import (
	"hash/crc32"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var epochMS = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

// Generator 雪花ID：41bit 毫秒 | 10bit 节点 | 12bit 序列。每个网关实例一个节点号，连接ID进程内唯一
type Generator struct {
	mu       sync.Mutex
	nodeID   int64 // 0~1023
	seq      int64 // 0~4095
	lastTSMS int64
	now      func() time.Time
}

func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > 1023 {
		nodeID = nodeID & 0x3FF
	}
	return &Generator{nodeID: nodeID, now: time.Now}
}

// NodeIDFor 由实例ID推导节点号（crc32 取低10位）
func NodeIDFor(instanceID string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(instanceID)) & 0x3FF)
}

func (g *Generator) NodeID() int64 { return g.nodeID }

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := g.now().UnixMilli()
		if now < g.lastTSMS {
			// 时钟回拨，等待
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & 0xFFF
			if g.seq == 0 {
				// 序列溢出，等到下一毫秒
				for now <= g.lastTSMS {
					now = g.now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epochMS) & ((1 << 41) - 1)
		return (ts << 22) | (g.nodeID << 12) | g.seq
	}
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// EventID 事件ID用 uuid，跨实例生成无需协调
func EventID() string {
	return uuid.NewString()
}
