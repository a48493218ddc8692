// Package serde holds the record value codecs used on both sides of the
// connector.
package serde

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
)

type Deserializer interface {
	Deserialize(topic string, data []byte) (any, error)
}

type Serializer interface {
	Serialize(topic string, v any) ([]byte, error)
}

// Bytes passes values through unchanged.
type Bytes struct{}

func (Bytes) Deserialize(_ string, data []byte) (any, error) { return data, nil }

func (Bytes) Serialize(_ string, v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("serde: bytes cannot encode %T", v)
	}
}

// JSON decodes into a fresh value from New, or into map[string]any when New
// is nil.
type JSON struct {
	New func() any
}

func (j JSON) Deserialize(_ string, data []byte) (any, error) {
	if j.New == nil {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	}
	v := j.New()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (JSON) Serialize(_ string, v any) ([]byte, error) { return json.Marshal(v) }

// Proto decodes into new instances of Message's type.
type Proto struct {
	Message proto.Message
}

func (p Proto) Deserialize(_ string, data []byte) (any, error) {
	if p.Message == nil {
		return nil, fmt.Errorf("serde: proto deserializer has no message type")
	}
	m := p.Message.ProtoReflect().New().Interface()
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (Proto) Serialize(_ string, v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("serde: proto cannot encode %T", v)
	}
	return proto.Marshal(m)
}

// ParseFormat maps a config value to a codec usable in both directions.
// Protobuf needs a concrete message type and is only available in code.
func ParseFormat(name string) (interface {
	Serializer
	Deserializer
}, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "bytes", "raw":
		return Bytes{}, nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("serde: unknown format %q", name)
	}
}
