package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/integration_builder/internal/config"
	"github.com/austindbirch/integration_builder/internal/event"
	"github.com/austindbirch/integration_builder/internal/logging"
	"github.com/austindbirch/integration_builder/internal/tracing"
)

// EventSink is satisfied by *Service
type EventSink interface {
	OnEventStored(ctx context.Context, env event.Envelope) (int, error)
}

// NSQHandler consumes envelopes from the events topic. Undecodable or
// invalid envelopes are finished; a store failure returns an error so
// go-nsq requeues the message.
func NSQHandler(sink EventSink, log *logging.Logger) nsq.Handler {
	if log == nil {
		log = logging.Discard()
	}
	return nsq.HandlerFunc(func(m *nsq.Message) error {
		env, err := event.Parse(m.Body)
		if err != nil {
			log.Plain().WithError(err).WithField("nsq_attempts", m.Attempts).Error("bad event envelope, dropping")
			return nil
		}
		if _, err := sink.OnEventStored(context.Background(), env); err != nil {
			log.Plain().WithTenant(env.CompanyID).WithEvent(env.ID).WithError(err).Warn("fan-out failed, requeueing")
			return err
		}
		return nil
	})
}

// NewConsumer subscribes h to the events topic and connects to nsqd, or to
// nsqlookupd when a lookup address is configured.
func NewConsumer(cfg config.NSQ, h nsq.Handler) (*nsq.Consumer, error) {
	conf := nsq.NewConfig()
	if cfg.MaxInFlight > 0 {
		conf.MaxInFlight = cfg.MaxInFlight
	}
	consumer, err := nsq.NewConsumer(cfg.EventsTopic, cfg.EventsChannel, conf)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.AddHandler(h)

	if cfg.LookupHTTPAddr != "" {
		err = consumer.ConnectToNSQLookupd(cfg.LookupHTTPAddr)
	} else {
		err = consumer.ConnectToNSQD(cfg.NsqdTCPAddr)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq connect: %w", err)
	}
	return consumer, nil
}

// publisher is satisfied by *nsq.Producer
type publisher interface {
	Publish(topic string, body []byte) error
}

// Publisher writes envelopes to the events topic with the caller's trace context attached
type Publisher struct {
	producer publisher
	topic    string
}

func NewPublisher(p publisher, topic string) *Publisher {
	return &Publisher{producer: p, topic: topic}
}

func (p *Publisher) Publish(ctx context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Trace == nil {
		env.Trace = tracing.InjectMap(ctx)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := p.producer.Publish(p.topic, b); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}
