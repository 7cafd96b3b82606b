package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromMessage copies the headers of msg.
func FromMessage(msg *message.Message) Metadata {
	if msg == nil {
		return Metadata{}
	}
	return FromWatermill(msg.Metadata)
}

// FromWatermill copies watermill metadata.
func FromWatermill(md message.Metadata) Metadata {
	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// Apply sets every header on msg, keeping headers already present.
func (m Metadata) Apply(msg *message.Message) {
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata, len(m))
	}
	for k, v := range m {
		if _, exists := msg.Metadata[k]; !exists {
			msg.Metadata[k] = v
		}
	}
}
