package exchange

import (
	"sync"
	"time"
)

// TimeSync 维护本地时钟与交易所服务器时钟的偏移，签名时间戳以服务器时间为准。
type TimeSync struct {
	mu       sync.RWMutex
	offset   int64 // 服务器时间 - 本地时间（毫秒）
	lastSync time.Time
	now      func() time.Time
}

// NewTimeSync 创建时间同步器
func NewTimeSync() *TimeSync {
	return &TimeSync{now: time.Now}
}

// Update 用一次服务器时间响应更新偏移；sentAt/recvAt 为请求发出与收到的本地时间，取中点消除往返延迟。
func (ts *TimeSync) Update(serverMillis int64, sentAt, recvAt time.Time) {
	mid := sentAt.Add(recvAt.Sub(sentAt) / 2).UnixMilli()
	ts.mu.Lock()
	ts.offset = serverMillis - mid
	ts.lastSync = recvAt
	ts.mu.Unlock()
}

// NowMillis 返回同步后的服务器时间（毫秒）
func (ts *TimeSync) NowMillis() int64 {
	ts.mu.RLock()
	offset := ts.offset
	ts.mu.RUnlock()
	return ts.now().UnixMilli() + offset
}

// Offset 返回当前偏移
func (ts *TimeSync) Offset() time.Duration {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Duration(ts.offset) * time.Millisecond
}

// LastSync 最近一次同步时间，从未同步为零值
func (ts *TimeSync) LastSync() time.Time {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync
}
