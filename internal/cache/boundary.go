package cache

import "time"

// NextBoundary 返回严格大于 now 的、自 Unix 纪元起 interval 的最小整数倍时刻
// 例如 interval=5m 时 12:02 -> 12:05，12:05 -> 12:10
func NextBoundary(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return now
	}
	n := now.UnixNano()
	step := int64(interval)
	next := (n/step + 1) * step
	return time.Unix(0, next).In(now.Location())
}

// TTL 距离下一个对齐边界的时长，保证 > 0
func TTL(now time.Time, interval time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	return NextBoundary(now, interval).Sub(now)
}
