package puma

import (
	"crypto/x509"
	"net"
	"time"
)

// Connection is a single client socket whose protocol state machine lives
// outside the reactor. The reactor decides only when and whether to drive
// it; it never parses protocol bytes itself.
type Connection interface {
	// Fd returns the descriptor that is watched for read readiness.
	Fd() int
	// TimeoutAt returns the instant after which the connection is
	// considered stale. The second value is false when no deadline is set.
	TimeoutAt() (time.Time, bool)
	// TryFinish makes one step of progress on the connection and reports
	// whether the buffered request is complete enough to hand off.
	TryFinish() (bool, error)
	// InDataPhase reports whether the connection is mid-request.
	InDataPhase() bool

	// Best-effort terminal responses, written before the reactor closes
	// a connection on timeout, malformed input or processing failure.
	WriteRequestTimeout()
	WriteBadRequest()
	WriteServerError()

	RemoteAddr() net.Addr
	// PeerCertificate returns the client certificate, if one was
	// presented during the TLS handshake.
	PeerCertificate() *x509.Certificate
	// Close must be safe to call more than once.
	Close() error
}

// Executor accepts completed connections for application processing.
// The reactor does not wait for or observe the outcome of a submission.
type Executor interface {
	Submit(c Connection) error
}

// EventSink receives fault reports from the reactor. Reporting is fire and
// forget: the reactor never reacts to the sink's behavior.
type EventSink interface {
	// LowLevelError reports an unclassified fault while processing c.
	LowLevelError(err error, c Connection)
	// HandshakeError reports a TLS handshake fault together with the
	// peer identity, when available.
	HandshakeError(err error, addr net.Addr, cert *x509.Certificate)
	// MalformedRequest reports a protocol parse fault on c.
	MalformedRequest(err error, c Connection)
}
