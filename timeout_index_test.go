package puma

import (
	"crypto/x509"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// deadlineConn is the minimal Connection for exercising the index alone.
type deadlineConn struct {
	at time.Time
}

func (c *deadlineConn) Fd() int                            { return -1 }
func (c *deadlineConn) TimeoutAt() (time.Time, bool)       { return c.at, true }
func (c *deadlineConn) TryFinish() (bool, error)           { return false, nil }
func (c *deadlineConn) InDataPhase() bool                  { return false }
func (c *deadlineConn) WriteRequestTimeout()               {}
func (c *deadlineConn) WriteBadRequest()                   {}
func (c *deadlineConn) WriteServerError()                  {}
func (c *deadlineConn) RemoteAddr() net.Addr               { return nil }
func (c *deadlineConn) PeerCertificate() *x509.Certificate { return nil }
func (c *deadlineConn) Close() error                       { return nil }

func requireAscending(t *testing.T, index *timeoutIndex) {
	t.Helper()
	for i := 1; i < index.len(); i++ {
		prev, _ := index.conns[i-1].TimeoutAt()
		next, _ := index.conns[i].TimeoutAt()
		require.False(t, next.Before(prev), "index out of order at %d", i)
	}
}

func TestTimeoutIndexSortedAfterInserts(t *testing.T) {
	base := time.Now()
	index := &timeoutIndex{}
	for i := 0; i < 200; i++ {
		index.insert(&deadlineConn{at: base.Add(time.Duration(rand.Intn(5000)) * time.Millisecond)})
		requireAscending(t, index)
	}
	require.Equal(t, 200, index.len())
}

func TestTimeoutIndexRemove(t *testing.T) {
	base := time.Now()
	first := &deadlineConn{at: base.Add(time.Second)}
	second := &deadlineConn{at: base.Add(2 * time.Second)}
	third := &deadlineConn{at: base.Add(3 * time.Second)}
	index := &timeoutIndex{}
	index.insert(third)
	index.insert(first)
	index.insert(second)

	index.remove(second)
	require.Equal(t, 2, index.len())
	requireAscending(t, index)

	// removing an absent connection is a no-op
	index.remove(second)
	require.Equal(t, 2, index.len())

	head, ok := index.peek()
	require.True(t, ok)
	require.Same(t, first, head)
	require.Same(t, first, index.shift())
	require.Same(t, third, index.shift())
	require.Equal(t, 0, index.len())
}

func TestTimeoutIndexSleepFor(t *testing.T) {
	now := time.Now()
	index := &timeoutIndex{}
	require.Equal(t, defaultSleepFor, index.sleepFor(now, defaultSleepFor))

	index.insert(&deadlineConn{at: now.Add(-time.Second)})
	require.Equal(t, time.Duration(0), index.sleepFor(now, defaultSleepFor), "past deadlines clamp to zero")

	index.insert(&deadlineConn{at: now.Add(time.Minute)})
	require.Equal(t, time.Duration(0), index.sleepFor(now, defaultSleepFor), "earliest entry wins")

	index.shift()
	require.Equal(t, time.Minute, index.sleepFor(now, defaultSleepFor))
}
