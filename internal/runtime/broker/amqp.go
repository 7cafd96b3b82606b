package broker

import (
	"context"
	"fmt"
	"net/url"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/servicekit/internal/runtime/config"
	"github.com/drblury/servicekit/internal/runtime/destination"
)

// AMQPConnectionFactory allows overriding the connection creation for testing.
var AMQPConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// AMQPPublisherFactory allows overriding the publisher creation for testing.
var AMQPPublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// AMQPSubscriberFactory allows overriding the subscriber creation for testing.
var AMQPSubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// dialAMQP maps queues onto a shared AMQP queue named after the destination
// and topics onto a fanout exchange with one queue per session.
func dialAMQP(_ context.Context, endpoint *url.URL, env Env) (Connection, error) {
	uri := endpoint.String()
	conn, err := AMQPConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, env.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", config.RedactURL(uri), err)
	}

	return &watermillConnection{
		scheme: endpoint.Scheme,
		newPublisher: func(kind destination.Kind) (message.Publisher, error) {
			return AMQPPublisherFactory(amqpConfig(uri, kind, ""), env.Logger, conn)
		},
		newSubscriber: func(kind destination.Kind, sessionID string) (message.Subscriber, error) {
			return AMQPSubscriberFactory(amqpConfig(uri, kind, sessionID), env.Logger, conn)
		},
		closeFn: func() error {
			if conn == nil {
				return nil
			}
			return conn.Close()
		},
	}, nil
}

func amqpConfig(uri string, kind destination.Kind, sessionID string) amqp.Config {
	if kind == destination.KindTopic {
		return amqp.NewNonDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicNameWithSuffix(sessionID))
	}
	return amqp.NewNonDurableQueueConfig(uri)
}
