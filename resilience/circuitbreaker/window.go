package circuitbreaker

import "time"

// bucket 滚动窗口中的一个时间桶
type bucket struct {
	start     int64 // 桶起始时间（UnixNano，按桶宽对齐）
	successes int
	failures  int
}

// rollingWindow 按时间分桶的滚动计数窗口，非并发安全，由 Breaker 持锁访问
type rollingWindow struct {
	buckets []bucket
	width   int64
	span    int64
}

func newRollingWindow(span time.Duration, n int) *rollingWindow {
	if n <= 0 {
		n = 10
	}
	width := int64(span) / int64(n)
	if width <= 0 {
		width = 1
	}
	return &rollingWindow{
		buckets: make([]bucket, n),
		width:   width,
		span:    width * int64(n),
	}
}

func (w *rollingWindow) current(now time.Time) *bucket {
	ts := now.UnixNano()
	aligned := ts - ts%w.width
	idx := int((aligned / w.width) % int64(len(w.buckets)))
	if idx < 0 {
		idx += len(w.buckets)
	}
	b := &w.buckets[idx]
	if b.start != aligned {
		*b = bucket{start: aligned}
	}
	return b
}

func (w *rollingWindow) record(now time.Time, failed bool) {
	b := w.current(now)
	if failed {
		b.failures++
	} else {
		b.successes++
	}
}

// totals 返回窗口内的调用总数和失败数
func (w *rollingWindow) totals(now time.Time) (calls, failures int) {
	ts := now.UnixNano()
	for i := range w.buckets {
		b := &w.buckets[i]
		if b.successes == 0 && b.failures == 0 {
			continue
		}
		if ts-b.start >= w.span {
			continue
		}
		calls += b.successes + b.failures
		failures += b.failures
	}
	return calls, failures
}

func (w *rollingWindow) reset() {
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
