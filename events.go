package puma

import (
	"crypto/x509"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Event type codes reported by the reactor, loosely HTTP-status shaped.
const (
	MalformedRequestEvent = 400
	HandshakeErrorEvent   = 495
	LowLevelErrorEvent    = 500
)

// Event is the serializable record produced for every reported fault. It is
// what sinks that forward to external systems (see KafkaEventSink) put on
// the wire.
type Event struct {
	Id        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Type      int                    `json:"type"`
	MetaData  map[string]interface{} `json:"metaData,omitempty"`
	Tags      []string               `json:"tags,omitempty"`
	Err       string                 `json:"error"`
	Msg       string                 `json:"msg"`
}

func genFaultEvent(id string, eventType int, err error, msg string) Event {
	return Event{
		Id:        id,
		Timestamp: time.Now().UnixMilli(),
		Type:      eventType,
		Err:       err.Error(),
		Msg:       msg,
	}
}

func peerId(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	return addr.String()
}

func connId(c Connection) string {
	if c == nil {
		return "unknown"
	}
	return peerId(c.RemoteAddr())
}

// LogSink reports reactor faults to the process logger. It is the default
// sink when none is configured.
type LogSink struct{}

func (LogSink) LowLevelError(err error, c Connection) {
	log.Error().Msgf("got error while processing connection [%s]: %+v", connId(c), err)
}

func (LogSink) HandshakeError(err error, addr net.Addr, cert *x509.Certificate) {
	if cert != nil {
		log.Warn().Msgf("tls handshake failed for peer [%s] cn=%s: %+v", peerId(addr), cert.Subject.CommonName, err)
		return
	}
	log.Warn().Msgf("tls handshake failed for peer [%s]: %+v", peerId(addr), err)
}

func (LogSink) MalformedRequest(err error, c Connection) {
	log.Warn().Msgf("malformed request on connection [%s]: %+v", connId(c), err)
}
