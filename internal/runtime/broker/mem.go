package broker

import (
	"context"
	"errors"
	"net/url"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/servicekit/internal/runtime/destination"
)

// dialMem creates an in-process bus for the endpoint. Topics fan out to the
// subscribers present at publish time. Queues are persistent, so messages sent
// before a listener subscribes are still delivered, to every subscriber.
// Publish blocks until live subscribers ack, which keeps delivery in publish
// order; a replayed backlog has no order guarantee.
func dialMem(_ context.Context, _ *url.URL, env Env) (Connection, error) {
	topics := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, env.Logger)
	queues := gochannel.NewGoChannel(gochannel.Config{
		Persistent:                     true,
		BlockPublishUntilSubscriberAck: true,
	}, env.Logger)

	pick := func(kind destination.Kind) *gochannel.GoChannel {
		if kind == destination.KindTopic {
			return topics
		}
		return queues
	}

	return &watermillConnection{
		scheme: "mem",
		newPublisher: func(kind destination.Kind) (message.Publisher, error) {
			return sharedPubSub{pick(kind)}, nil
		},
		newSubscriber: func(kind destination.Kind, _ string) (message.Subscriber, error) {
			return sharedPubSub{pick(kind)}, nil
		},
		closeFn: func() error {
			return errors.Join(topics.Close(), queues.Close())
		},
	}, nil
}

// sharedPubSub hands a connection-owned GoChannel to a session without letting
// the session close it.
type sharedPubSub struct {
	*gochannel.GoChannel
}

func (sharedPubSub) Close() error { return nil }
