// Package queue 队列登记表：为待发药订单分配连续、按优先级分区的队列号。
package queue

// Entry 排队中的订单及其入队时的类别。
type Entry struct {
	OrderID  uint
	Priority bool
}

// Line 由两个有序分区组成的队列，编号由位置决定：优先分区占 1..P，普通分区占 P+1..N。
type Line struct {
	priority []uint
	regular  []uint
}

// NewLine 按当前队列顺序构建；同类内保持相对顺序，排在优先订单前的普通订单会被移到后面。
func NewLine(entries []Entry) *Line {
	l := &Line{}
	for _, e := range entries {
		if e.Priority {
			l.priority = append(l.priority, e.OrderID)
		} else {
			l.regular = append(l.regular, e.OrderID)
		}
	}
	return l
}

func (l *Line) Len() int { return len(l.priority) + len(l.regular) }

// Insert 优先订单插到最后一个优先订单之后，其后所有订单号加一；普通订单追加到队尾。
// 返回新队列号。非幂等：重复插入同一订单会占两个位置。
func (l *Line) Insert(e Entry) int {
	if e.Priority {
		l.priority = append(l.priority, e.OrderID)
		return len(l.priority)
	}
	l.regular = append(l.regular, e.OrderID)
	return l.Len()
}

// Retire 移除订单并补齐空位，返回订单是否在队列中。
func (l *Line) Retire(orderID uint) bool {
	if i := indexOf(l.priority, orderID); i >= 0 {
		l.priority = append(l.priority[:i], l.priority[i+1:]...)
		return true
	}
	if i := indexOf(l.regular, orderID); i >= 0 {
		l.regular = append(l.regular[:i], l.regular[i+1:]...)
		return true
	}
	return false
}

// Position 订单的队列号（从 1 开始）。
func (l *Line) Position(orderID uint) (int, bool) {
	if i := indexOf(l.priority, orderID); i >= 0 {
		return i + 1, true
	}
	if i := indexOf(l.regular, orderID); i >= 0 {
		return len(l.priority) + i + 1, true
	}
	return 0, false
}

// Head 当前服务的队列号，空队列为 0。
func (l *Line) Head() int {
	if l.Len() == 0 {
		return 0
	}
	return 1
}

// HeadOrder 持有 1 号的订单。
func (l *Line) HeadOrder() (uint, bool) {
	if len(l.priority) > 0 {
		return l.priority[0], true
	}
	if len(l.regular) > 0 {
		return l.regular[0], true
	}
	return 0, false
}

// Entries 按队列号顺序列出。
func (l *Line) Entries() []Entry {
	out := make([]Entry, 0, l.Len())
	for _, id := range l.priority {
		out = append(out, Entry{OrderID: id, Priority: true})
	}
	for _, id := range l.regular {
		out = append(out, Entry{OrderID: id})
	}
	return out
}

// Numbers 订单 ID 到队列号的映射。
func (l *Line) Numbers() map[uint]int {
	out := make(map[uint]int, l.Len())
	for i, e := range l.Entries() {
		out[e.OrderID] = i + 1
	}
	return out
}

func indexOf(ids []uint, id uint) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
