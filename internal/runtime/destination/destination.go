// Package destination maps logical destination names onto broker addresses.
//
// An address is a prefix followed by a logical name: "queue://orders" names a
// point-to-point queue, "topic://alert" a fan-out topic. Parsing is lenient:
// anything that does not carry the topic prefix is treated as a queue.
package destination

import "strings"

// Kind selects between point-to-point and fan-out delivery.
type Kind int

const (
	// KindQueue delivers each message to exactly one consumer.
	KindQueue Kind = iota
	// KindTopic delivers each message to every active subscriber.
	KindTopic
)

const (
	QueuePrefix = "queue://"
	TopicPrefix = "topic://"
)

// Prefix returns the address prefix for the kind.
func (k Kind) Prefix() string {
	if k == KindTopic {
		return TopicPrefix
	}
	return QueuePrefix
}

func (k Kind) String() string {
	if k == KindTopic {
		return "topic"
	}
	return "queue"
}

// Destination is an addressable queue or topic.
type Destination struct {
	Kind Kind
	Name string
}

// Queue returns a queue destination with the given logical name.
func Queue(name string) Destination {
	return Destination{Kind: KindQueue, Name: name}
}

// Topic returns a topic destination with the given logical name.
func Topic(name string) Destination {
	return Destination{Kind: KindTopic, Name: name}
}

// Format joins a kind and a logical name into an address.
func Format(kind Kind, name string) string {
	return kind.Prefix() + name
}

// Parse splits an address into its kind and logical name. Addresses without the
// topic prefix are queues; a leading queue prefix is stripped when present.
func Parse(address string) Destination {
	if name, ok := strings.CutPrefix(address, TopicPrefix); ok {
		return Topic(name)
	}
	name, _ := strings.CutPrefix(address, QueuePrefix)
	return Queue(name)
}

// String renders the destination as an address.
func (d Destination) String() string {
	return Format(d.Kind, d.Name)
}

// IsTopic reports whether the destination fans out to every subscriber.
func (d Destination) IsTopic() bool {
	return d.Kind == KindTopic
}

// Subject maps the destination onto a dotted broker subject, for example
// "queue.orders" or "topic.alert".
func (d Destination) Subject() string {
	return d.Kind.String() + "." + d.Name
}
