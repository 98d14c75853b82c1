package puma

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var errUnsupportedConn = errors.New("can't extract a file descriptor from this connection type")
var errNoKafkaBrokers = errors.New("no kafka brokers configured for the event router")
var errNoKafkaTopic = errors.New("no kafka topic configured for the event router")

// HandshakeError marks a TLS handshake fault raised by a connection's
// progress step. The reactor closes the connection without a response and
// reports the peer identity to the event sink.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string {
	return "tls handshake failed: " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// MalformedRequestError marks a protocol parse fault. The reactor attempts a
// 400-class response before closing and reports the fault.
type MalformedRequestError struct {
	Err error
}

func (e *MalformedRequestError) Error() string {
	return "malformed request: " + e.Err.Error()
}

func (e *MalformedRequestError) Unwrap() error {
	return e.Err
}

// isDisconnect classifies peer-reset class faults. These are expected under
// normal persistent-connection churn and are never reported upstream.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ETIMEDOUT)
}
