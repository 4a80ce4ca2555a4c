package idgen

import (
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 雪花算法 ID 生成器
// ============================================================================
//
// 交易主键用 uuid，对外展示和对账用的交易参考号由这里生成：
// 趋势递增，多实例部署时靠 workerID 区分。
//
//   0 - 41位时间戳 - 10位机器ID - 12位序列号
//
// ============================================================================

const (
	epoch          = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	workerIDBits   = 10
	sequenceBits   = 12
	maxWorkerID    = -1 ^ (-1 << workerIDBits)
	maxSequence    = -1 ^ (-1 << sequenceBits)
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
)

// ReferencePrefix 交易参考号前缀
const ReferencePrefix = "TXN"

type Snowflake struct {
	mu        sync.Mutex
	timestamp int64
	workerID  int64
	sequence  int64
	now       func() time.Time
}

// NewSnowflake workerID 超出范围时返回错误，由调用方决定是否退出
func NewSnowflake(workerID int64) (*Snowflake, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("workerID 必须在 0-%d 之间", maxWorkerID)
	}
	return &Snowflake{workerID: workerID, now: time.Now}, nil
}

var (
	defaultGenerator *Snowflake
	mu               sync.Mutex
)

// Init 设置默认生成器
func Init(workerID int64) error {
	g, err := NewSnowflake(workerID)
	if err != nil {
		return err
	}
	mu.Lock()
	defaultGenerator = g
	mu.Unlock()
	return nil
}

func defaultSnowflake() *Snowflake {
	mu.Lock()
	defer mu.Unlock()
	if defaultGenerator == nil {
		defaultGenerator, _ = NewSnowflake(1)
	}
	return defaultGenerator
}

func NextID() int64 {
	return defaultSnowflake().Generate()
}

func (s *Snowflake) Generate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	if now < s.timestamp {
		// 时钟回拨，沿用上一次的时间戳
		now = s.timestamp
	}

	if now == s.timestamp {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			// 当前毫秒序列号用完
			for now <= s.timestamp {
				now = s.now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.timestamp = now

	return ((now - epoch) << timestampShift) |
		(s.workerID << workerIDShift) |
		s.sequence
}

// Reference 生成交易参考号
// 格式：前缀 + 年月日时分秒 + 雪花ID后8位，例如 TXN2024011514305212345678
func (s *Snowflake) Reference(prefix string) string {
	id := s.Generate()
	return fmt.Sprintf("%s%s%08d", prefix, s.now().Format("20060102150405"), id%100000000)
}

func GenerateReference() string {
	return defaultSnowflake().Reference(ReferencePrefix)
}
