package puma

import (
	"sort"
	"time"
)

// timeoutIndex holds the connections that carry an active deadline, ordered
// ascending so the earliest expiry is always at the front. It is a second
// view over the same connection objects as the watched set and the two must
// stay consistent on every removal path.
//
// Not safe for concurrent use; callers hold the reactor state lock.
type timeoutIndex struct {
	conns []Connection
}

func (t *timeoutIndex) insert(c Connection) {
	t.conns = append(t.conns, c)
	sort.SliceStable(t.conns, func(i, j int) bool {
		di, _ := t.conns[i].TimeoutAt()
		dj, _ := t.conns[j].TimeoutAt()
		return di.Before(dj)
	})
}

// remove drops c from the index. Absent connections are a no-op so every
// removal path can call it unconditionally.
func (t *timeoutIndex) remove(c Connection) {
	for i, tc := range t.conns {
		if tc == c {
			t.conns = append(t.conns[:i], t.conns[i+1:]...)
			return
		}
	}
}

func (t *timeoutIndex) peek() (Connection, bool) {
	if len(t.conns) == 0 {
		return nil, false
	}
	return t.conns[0], true
}

// shift pops the connection with the earliest deadline.
func (t *timeoutIndex) shift() Connection {
	c := t.conns[0]
	t.conns = t.conns[1:]
	return c
}

func (t *timeoutIndex) len() int {
	return len(t.conns)
}

// sleepFor computes the next poll interval: the time left until the earliest
// deadline, floored at zero, or def when the index is empty.
func (t *timeoutIndex) sleepFor(now time.Time, def time.Duration) time.Duration {
	c, ok := t.peek()
	if !ok {
		return def
	}
	at, _ := c.TimeoutAt()
	diff := at.Sub(now)
	if diff < 0 {
		return 0
	}
	return diff
}
