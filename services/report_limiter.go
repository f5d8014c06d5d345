package services

import (
	"sync"
	"time"
)

// ReportLimiter 异常上报限流器，每个设备在 interval 内最多上报一次
type ReportLimiter struct {
	lastReport map[string]time.Time // 设备ID -> 上次上报时间
	suppressed map[string]int       // 设备ID -> 被抑制的次数
	mutex      sync.Mutex
	interval   time.Duration
	now        func() time.Time
}

// NewReportLimiter 创建限流器，interval<=0 时默认1分钟
func NewReportLimiter(interval time.Duration) *ReportLimiter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReportLimiter{
		lastReport: make(map[string]time.Time),
		suppressed: make(map[string]int),
		interval:   interval,
		now:        time.Now,
	}
}

// Allow 检查设备是否可以上报，允许时返回上次上报后被抑制的次数
func (rl *ReportLimiter) Allow(deviceID string) (bool, int) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	last, exists := rl.lastReport[deviceID]
	if exists && now.Sub(last) < rl.interval {
		rl.suppressed[deviceID]++
		return false, 0
	}
	rl.lastReport[deviceID] = now
	n := rl.suppressed[deviceID]
	delete(rl.suppressed, deviceID)
	return true, n
}

// Reset 设备恢复正常后清除记录
func (rl *ReportLimiter) Reset(deviceID string) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	delete(rl.lastReport, deviceID)
	delete(rl.suppressed, deviceID)
}
