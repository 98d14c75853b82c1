package puma

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaEventSink forwards reactor fault events to a Kafka topic, keyed by
// peer address so events from one client land in one partition. Publishing
// is async and fire-and-forget, matching the sink contract.
type KafkaEventSink struct {
	ctx      context.Context
	producer *kafka.Writer
}

func NewKafkaEventSink(ctx context.Context, conf EventRouterConfig) (*KafkaEventSink, error) {
	brokers := strings.Split(conf.KafkaBrokers, ",")
	if len(brokers) == 0 || brokers[0] == "" {
		return nil, errNoKafkaBrokers
	}
	if conf.KafkaTopic == "" {
		return nil, errNoKafkaTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        conf.KafkaTopic,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Balancer:     &kafka.RoundRobin{},
	}
	return &KafkaEventSink{ctx: ctx, producer: writer}, nil
}

func (s *KafkaEventSink) LowLevelError(err error, c Connection) {
	s.publish(genFaultEvent(connId(c), LowLevelErrorEvent, err, "connection processing failed"))
}

func (s *KafkaEventSink) HandshakeError(err error, addr net.Addr, cert *x509.Certificate) {
	event := genFaultEvent(peerId(addr), HandshakeErrorEvent, err, "tls handshake failed")
	if cert != nil {
		event.MetaData = map[string]interface{}{
			"peer_cn":     cert.Subject.CommonName,
			"cert_serial": cert.SerialNumber.String(),
		}
	}
	s.publish(event)
}

func (s *KafkaEventSink) MalformedRequest(err error, c Connection) {
	s.publish(genFaultEvent(connId(c), MalformedRequestEvent, err, "malformed request"))
}

func (s *KafkaEventSink) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Error().Msgf("can't marshal reactor event: %+v", err)
		return
	}
	message := kafka.Message{
		Key:   []byte(event.Id),
		Value: data,
	}
	err = s.producer.WriteMessages(s.ctx, message)
	if err != nil {
		log.Error().Msgf("got error while publishing reactor event: %+v", err)
	}
}

func (s *KafkaEventSink) Close() error {
	return s.producer.Close()
}
