package codec

// envelope.go hand-frames the three wire-exact envelopes from spec.md
// §3 directly on top of google.golang.org/protobuf/encoding/protowire's
// low-level varint/length-delimited primitives. There is no .proto file
// and no protoc step for these three messages: their tag numbers are
// fixed by the spec, never change, and are simple enough (strings,
// bytes, bool, nested two-level oneof) that generating and compiling a
// dedicated schema for them would add a build dependency for no benefit
// — every other message in the system (request/response payloads,
// event payloads) goes through the dynamic Schema Registry in
// registry.go instead, exactly because those ARE user-defined and do
// need real descriptors.

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field tags, exactly as specified.
const (
	tagRequestMethod  protowire.Number = 1
	tagRequestActor   protowire.Number = 2
	tagRequestPayload protowire.Number = 3

	tagResponseResult protowire.Number = 1
	tagResponseError  protowire.Number = 2

	tagResultPayload protowire.Number = 1

	tagErrorMessage protowire.Number = 1
	tagErrorCode    protowire.Number = 2
	tagErrorHandled protowire.Number = 3

	tagEventType    protowire.Number = 1
	tagEventTopic   protowire.Number = 2
	tagEventPayload protowire.Number = 3
)

func appendStringField(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendString(b, s)
	return b
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, v)
	return b
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	return b
}

func appendMessageField(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// rawFields decodes buf into a map of field number -> raw bytes for
// each BytesType/VarintType field encountered, keeping the LAST
// occurrence of a repeated tag (proto3 "last one wins" semantics for
// singular fields). Fixed32/Fixed64 fields are decoded to their raw
// uint forms; callers that need them cast accordingly. This is
// intentionally generic: all three envelopes have no repeated or
// nested-beyond-one-level fields, so a single pass covers them all.
func rawFields(buf []byte) (map[protowire.Number]any, error) {
	out := make(map[protowire.Number]any)
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("protobus: malformed envelope tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, fmt.Errorf("protobus: malformed envelope bytes field: %w", protowire.ParseError(n))
			}
			cp := make([]byte, len(v))
			copy(cp, v)
			out[num] = cp
			buf = buf[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("protobus: malformed envelope varint field: %w", protowire.ParseError(n))
			}
			out[num] = v
			buf = buf[n:]
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(buf)
			if n < 0 {
				return nil, fmt.Errorf("protobus: malformed envelope fixed32 field: %w", protowire.ParseError(n))
			}
			out[num] = v
			buf = buf[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(buf)
			if n < 0 {
				return nil, fmt.Errorf("protobus: malformed envelope fixed64 field: %w", protowire.ParseError(n))
			}
			out[num] = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("protobus: malformed envelope field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	return out, nil
}

func fieldString(fields map[protowire.Number]any, num protowire.Number) string {
	v, ok := fields[num]
	if !ok {
		return ""
	}
	b, ok := v.([]byte)
	if !ok {
		return ""
	}
	return string(b)
}

func fieldBytes(fields map[protowire.Number]any, num protowire.Number) []byte {
	v, ok := fields[num]
	if !ok {
		return nil
	}
	b, _ := v.([]byte)
	return b
}

func fieldBool(fields map[protowire.Number]any, num protowire.Number) bool {
	v, ok := fields[num]
	if !ok {
		return false
	}
	u, ok := v.(uint64)
	return ok && u != 0
}

// --- RequestContainer ---

func encodeRequestContainer(method, actor string, payload []byte) []byte {
	var b []byte
	b = appendStringField(b, tagRequestMethod, method)
	b = appendStringField(b, tagRequestActor, actor)
	b = appendBytesField(b, tagRequestPayload, payload)
	return b
}

type decodedRequestContainer struct {
	Method  string
	Actor   string
	Payload []byte
}

func decodeRequestContainer(buf []byte) (decodedRequestContainer, error) {
	fields, err := rawFields(buf)
	if err != nil {
		return decodedRequestContainer{}, err
	}
	return decodedRequestContainer{
		Method:  fieldString(fields, tagRequestMethod),
		Actor:   fieldString(fields, tagRequestActor),
		Payload: fieldBytes(fields, tagRequestPayload),
	}, nil
}

// --- ResponseContainer (oneof Result | Error) ---

func encodeResultContainer(payload []byte) []byte {
	inner := appendBytesField(nil, tagResultPayload, payload)
	return appendMessageField(nil, tagResponseResult, inner)
}

func encodeErrorContainer(message, code string, handled bool) []byte {
	var inner []byte
	inner = appendStringField(inner, tagErrorMessage, message)
	inner = appendStringField(inner, tagErrorCode, code)
	inner = appendBoolField(inner, tagErrorHandled, handled)
	return appendMessageField(nil, tagResponseError, inner)
}

type decodedResponseContainer struct {
	IsError bool
	Payload []byte // set when !IsError

	Message string // set when IsError
	Code    string
	Handled bool
}

func decodeResponseContainer(buf []byte) (decodedResponseContainer, error) {
	fields, err := rawFields(buf)
	if err != nil {
		return decodedResponseContainer{}, err
	}
	if raw, ok := fields[tagResponseError]; ok {
		innerFields, err := rawFields(raw.([]byte))
		if err != nil {
			return decodedResponseContainer{}, fmt.Errorf("protobus: malformed Error envelope: %w", err)
		}
		return decodedResponseContainer{
			IsError: true,
			Message: fieldString(innerFields, tagErrorMessage),
			Code:    fieldString(innerFields, tagErrorCode),
			Handled: fieldBool(innerFields, tagErrorHandled),
		}, nil
	}
	if raw, ok := fields[tagResponseResult]; ok {
		innerFields, err := rawFields(raw.([]byte))
		if err != nil {
			return decodedResponseContainer{}, fmt.Errorf("protobus: malformed Result envelope: %w", err)
		}
		return decodedResponseContainer{
			Payload: fieldBytes(innerFields, tagResultPayload),
		}, nil
	}
	return decodedResponseContainer{}, fmt.Errorf("protobus: ResponseContainer has neither Result nor Error set")
}

// --- EventContainer ---

func encodeEventContainer(typ, topic string, payload []byte) []byte {
	var b []byte
	b = appendStringField(b, tagEventType, typ)
	b = appendStringField(b, tagEventTopic, topic)
	b = appendBytesField(b, tagEventPayload, payload)
	return b
}

type decodedEventContainer struct {
	Type    string
	Topic   string
	Payload []byte
}

func decodeEventContainer(buf []byte) (decodedEventContainer, error) {
	fields, err := rawFields(buf)
	if err != nil {
		return decodedEventContainer{}, err
	}
	return decodedEventContainer{
		Type:    fieldString(fields, tagEventType),
		Topic:   fieldString(fields, tagEventTopic),
		Payload: fieldBytes(fields, tagEventPayload),
	}, nil
}
