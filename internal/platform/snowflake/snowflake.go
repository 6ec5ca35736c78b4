// Package snowflake 生成跨进程唯一、大体按时间单调递增的 64 位 ID。
// 撮合服务用它给新产生的成交分配 TradeID：引擎自带的原子计数器只在单个
// 进程内唯一，一旦同一交易对的撮合 worker 跨多个进程/主机部署，计数器会
// 撞号，而 snowflake 靠 worker id 分区避免了这一点，且不依赖外部协调服务。
package snowflake

import (
	"errors"
	"sync"
	"time"
)

const (
	epoch int64 = 1704067200000 // 2024-01-01 00:00:00 UTC

	workerIDBits = 10
	sequenceBits = 12

	maxWorkerID = -1 ^ (-1 << workerIDBits) // 1023
	maxSequence = -1 ^ (-1 << sequenceBits) // 4095

	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

var (
	ErrInvalidWorkerID = errors.New("worker ID must be between 0 and 1023")
	ErrClockMovedBack  = errors.New("clock moved backwards")
)

// Generator 是单个 worker 的 ID 生成器，内部用互斥锁串行化同一毫秒内的序列号分配。
type Generator struct {
	mu       sync.Mutex
	workerID int64
	sequence int64
	lastTime int64
}

func New(workerID int64) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, ErrInvalidWorkerID
	}
	return &Generator{workerID: workerID}, nil
}

func (g *Generator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < g.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == g.lastTime {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			for now <= g.lastTime {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = now

	id := ((now - epoch) << timestampShift) |
		(g.workerID << workerIDShift) |
		g.sequence
	return id, nil
}

// Parse 还原一个 ID 的时间戳、worker id、序列号。
func Parse(id int64) (timestamp, workerID, sequence int64) {
	timestamp = (id >> timestampShift) + epoch
	workerID = (id >> workerIDShift) & maxWorkerID
	sequence = id & maxSequence
	return
}

var defaultGenerator *Generator

// Init 初始化进程内的全局生成器，通常在 main 里按配置的 WorkerID 调用一次。
func Init(workerID int64) error {
	g, err := New(workerID)
	if err != nil {
		return err
	}
	defaultGenerator = g
	return nil
}

func NextID() (int64, error) {
	if defaultGenerator == nil {
		return 0, errors.New("snowflake not initialized")
	}
	return defaultGenerator.Generate()
}

func MustNextID() int64 {
	id, err := NextID()
	if err != nil {
		panic(err)
	}
	return id
}
