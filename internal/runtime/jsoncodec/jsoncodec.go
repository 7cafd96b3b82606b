package jsoncodec

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Codec encodes HTTP request and response bodies. A business object can swap
// the default through a codec hook.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var defaultConfig = sonic.ConfigStd

// Default returns the sonic-backed JSON codec.
func Default() Codec { return sonicCodec{api: defaultConfig} }

// Sonic returns a JSON codec frozen from the given sonic configuration.
func Sonic(cfg sonic.Config) Codec { return sonicCodec{api: cfg.Froze()} }

type sonicCodec struct {
	api sonic.API
}

func (sonicCodec) ContentType() string { return "application/json" }

func (c sonicCodec) Marshal(v any) ([]byte, error) { return c.api.Marshal(v) }

func (c sonicCodec) Unmarshal(data []byte, v any) error { return c.api.Unmarshal(data, v) }

// Proto returns a codec that renders protobuf messages with protojson and
// falls back to sonic for anything else.
func Proto(opts protojson.MarshalOptions) Codec {
	return protoCodec{marshal: opts, unmarshal: protojson.UnmarshalOptions{DiscardUnknown: true}}
}

type protoCodec struct {
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

func (protoCodec) ContentType() string { return "application/json" }

func (c protoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return c.marshal.Marshal(msg)
	}
	return Marshal(v)
}

func (c protoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		if err := c.unmarshal.Unmarshal(data, msg); err != nil {
			return fmt.Errorf("protojson unmarshal: %w", err)
		}
		return nil
	}
	return Unmarshal(data, v)
}

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	return defaultConfig.MarshalIndent(v, prefix, indent)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

func Decode(r io.Reader, v any) error {
	return defaultConfig.NewDecoder(r).Decode(v)
}
