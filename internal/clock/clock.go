package clock

import "time"

// Clock 为引擎提供当前时间，测试可固定时间。
type Clock interface {
	Now() time.Time
}

// System 读取系统时间（UTC）。
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

// Fixed 始终返回同一时刻。
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }

// Date 截断到 UTC 零点，批次日期均按此格式存储。
func Date(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today 返回 c.Now() 所在的日期。
func Today(c Clock) time.Time { return Date(c.Now()) }
