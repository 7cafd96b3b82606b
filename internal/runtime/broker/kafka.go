package broker

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/servicekit/internal/runtime/destination"
)

// DefaultKafkaGroup is the consumer group shared by queue subscribers when the
// endpoint does not name one with ?group=.
const DefaultKafkaGroup = "servicekit"

// KafkaPublisherFactory allows overriding the publisher creation for testing.
var KafkaPublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// KafkaSubscriberFactory allows overriding the subscriber creation for testing.
var KafkaSubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// dialKafka accepts kafka://host:port with extra brokers given as repeated
// ?broker= parameters. Queues share one consumer group so each message reaches
// one subscriber; topics get a group per session so every session sees every
// message.
func dialKafka(_ context.Context, endpoint *url.URL, env Env) (Connection, error) {
	brokers := kafkaBrokers(endpoint)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	group := endpoint.Query().Get("group")
	if group == "" {
		group = DefaultKafkaGroup
	}

	return &watermillConnection{
		scheme: endpoint.Scheme,
		newPublisher: func(destination.Kind) (message.Publisher, error) {
			return KafkaPublisherFactory(kafka.PublisherConfig{
				Brokers:   brokers,
				Marshaler: kafka.DefaultMarshaler{},
			}, env.Logger)
		},
		newSubscriber: func(kind destination.Kind, sessionID string) (message.Subscriber, error) {
			consumerGroup := group
			if kind == destination.KindTopic {
				consumerGroup = sessionID
			}
			return KafkaSubscriberFactory(kafka.SubscriberConfig{
				Brokers:       brokers,
				Unmarshaler:   kafka.DefaultMarshaler{},
				ConsumerGroup: consumerGroup,
			}, env.Logger)
		},
	}, nil
}

func kafkaBrokers(endpoint *url.URL) []string {
	var brokers []string
	if endpoint.Host != "" {
		brokers = append(brokers, endpoint.Host)
	}
	for _, b := range endpoint.Query()["broker"] {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
