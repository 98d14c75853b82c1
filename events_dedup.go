package puma

import (
	"crypto/x509"
	"net"
	"time"

	"github.com/dgraph-io/ristretto"
)

// DedupSink suppresses repeated handshake-error reports from the same peer
// for a TTL window before delegating to the wrapped sink. A client scanning
// a TLS port in a tight loop can otherwise flood the sink with identical
// events. Other report kinds pass through untouched.
type DedupSink struct {
	next EventSink
	ttl  time.Duration
	seen *ristretto.Cache
}

func NewDedupSink(next EventSink, ttl time.Duration) (*DedupSink, error) {
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &DedupSink{next: next, ttl: ttl, seen: seen}, nil
}

func (s *DedupSink) LowLevelError(err error, c Connection) {
	s.next.LowLevelError(err, c)
}

func (s *DedupSink) HandshakeError(err error, addr net.Addr, cert *x509.Certificate) {
	key := peerId(addr)
	if _, found := s.seen.Get(key); found {
		return
	}
	s.seen.SetWithTTL(key, struct{}{}, 1, s.ttl)
	// flush the buffered write so a burst from one peer dedups reliably
	s.seen.Wait()
	s.next.HandshakeError(err, addr, cert)
}

func (s *DedupSink) MalformedRequest(err error, c Connection) {
	s.next.MalformedRequest(err, c)
}
