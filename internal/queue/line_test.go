package queue

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLine_PriorityInsertShiftsRegulars(t *testing.T) {
	l := NewLine(nil)
	assert.Equal(t, 1, l.Insert(Entry{OrderID: 10}))
	assert.Equal(t, 2, l.Insert(Entry{OrderID: 11}))
	assert.Equal(t, 1, l.Insert(Entry{OrderID: 20, Priority: true}))
	assert.Equal(t, 2, l.Insert(Entry{OrderID: 21, Priority: true}))
	assert.Equal(t, 5, l.Insert(Entry{OrderID: 12}))

	assert.Equal(t, map[uint]int{20: 1, 21: 2, 10: 3, 11: 4, 12: 5}, l.Numbers())
	assert.Equal(t, 1, l.Head())
	head, ok := l.HeadOrder()
	require.True(t, ok)
	assert.Equal(t, uint(20), head)
}

func TestLine_RetireShiftsOnlyHigherNumbers(t *testing.T) {
	l := NewLine([]Entry{{1, true}, {2, true}, {3, false}, {4, false}, {5, false}})
	before := l.Numbers()

	require.True(t, l.Retire(3))
	after := l.Numbers()

	for id, n := range before {
		if id == 3 {
			continue
		}
		if n > before[3] {
			assert.Equal(t, n-1, after[id], "order %d", id)
		} else {
			assert.Equal(t, n, after[id], "order %d", id)
		}
	}
	assert.False(t, l.Retire(3))
}

func TestLine_Empty(t *testing.T) {
	l := NewLine(nil)
	assert.Equal(t, 0, l.Head())
	_, ok := l.HeadOrder()
	assert.False(t, ok)
	_, ok = l.Position(1)
	assert.False(t, ok)
}

func TestNewLine_MovesMisplacedPriorityForward(t *testing.T) {
	l := NewLine([]Entry{{1, false}, {2, true}, {3, false}, {4, true}})
	assert.Equal(t, []Entry{{2, true}, {4, true}, {1, false}, {3, false}}, l.Entries())
}

// 随机插入/移除序列下，编号保持连续且两类分区不乱。
func TestLine_RandomSequencesKeepInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		l := NewLine(nil)
		active := map[uint]bool{}
		next := uint(1)
		for step := 0; step < 200; step++ {
			if len(active) == 0 || rng.Intn(3) > 0 {
				pri := rng.Intn(2) == 0
				l.Insert(Entry{OrderID: next, Priority: pri})
				active[next] = pri
				next++
			} else {
				var victim uint
				k := rng.Intn(len(active))
				for id := range active {
					if k == 0 {
						victim = id
						break
					}
					k--
				}
				require.True(t, l.Retire(victim))
				delete(active, victim)
			}
			assertInvariant(t, l, active)
		}
	}
}

func assertInvariant(t *testing.T, l *Line, active map[uint]bool) {
	t.Helper()
	nums := l.Numbers()
	require.Len(t, nums, len(active))
	seen := make([]bool, len(active)+1)
	maxPriority, minRegular := 0, len(active)+1
	for id, n := range nums {
		require.GreaterOrEqual(t, n, 1)
		require.LessOrEqual(t, n, len(active))
		require.False(t, seen[n], "duplicate number %d", n)
		seen[n] = true
		if active[id] {
			maxPriority = max(maxPriority, n)
		} else {
			minRegular = min(minRegular, n)
		}
	}
	require.Less(t, maxPriority, minRegular)
}

func TestLine_ArrivalOrderWithinClass(t *testing.T) {
	l := NewLine(nil)
	l.Insert(Entry{OrderID: 1})
	l.Insert(Entry{OrderID: 2, Priority: true})
	l.Insert(Entry{OrderID: 3})
	l.Insert(Entry{OrderID: 4, Priority: true})
	l.Retire(2)
	l.Insert(Entry{OrderID: 5, Priority: true})

	assert.Equal(t, []Entry{{4, true}, {5, true}, {1, false}, {3, false}}, l.Entries())
}

func TestLine_InsertIsNotIdempotent(t *testing.T) {
	l := NewLine(nil)
	assert.Equal(t, 1, l.Insert(Entry{OrderID: 10}))
	assert.Equal(t, 2, l.Insert(Entry{OrderID: 10}))
	assert.Equal(t, 2, l.Len())

	require.True(t, l.Retire(10))
	assert.Equal(t, 1, l.Len())
}
