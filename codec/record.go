package codec

// record.go converts between the dynamic.Message representation
// protoreflect gives us and the plain map[string]any "record" shape
// spec.md §4.2 describes for decodeRequest/decodeResponse/decodeEvent
// output. A map is the natural Go stand-in for "a language-neutral
// decoded record": callers that want a typed struct layer it on top
// (the generated client bindings spec.md §1 calls out-of-scope would
// live here), but the runtime itself only ever needs field-by-name
// access plus custom-scalar substitution.

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/dynamic"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

// Record is a decoded message: field name -> Go value. Nested messages
// decode to nested Records; repeated fields decode to []any; custom
// scalars decode to whatever their Decode function returns (e.g.
// *big.Int, time.Time).
type Record map[string]any

func (c *Codec) encodeRecord(md *desc.MessageDescriptor, rec Record) ([]byte, error) {
	msg, err := c.buildMessage(md, rec)
	if err != nil {
		return nil, err
	}
	b, err := msg.Marshal()
	if err != nil {
		return nil, fmt.Errorf("protobus: marshal %s: %w", md.GetFullyQualifiedName(), err)
	}
	return b, nil
}

func (c *Codec) decodeRecord(md *desc.MessageDescriptor, data []byte) (Record, error) {
	msg := dynamic.NewMessage(md)
	if len(data) > 0 {
		if err := msg.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("protobus: unmarshal %s: %w", md.GetFullyQualifiedName(), err)
		}
	}
	return c.messageToRecord(msg)
}

func (c *Codec) buildMessage(md *desc.MessageDescriptor, rec Record) (*dynamic.Message, error) {
	msg := dynamic.NewMessage(md)
	for _, fd := range md.GetFields() {
		val, present := rec[fd.GetName()]
		if !present || val == nil {
			continue
		}
		wireVal, err := c.toWireValue(fd, val)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.GetName(), err)
		}
		if err := msg.SetField(fd, wireVal); err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.GetName(), err)
		}
	}
	return msg, nil
}

func (c *Codec) toWireValue(fd *desc.FieldDescriptor, val any) (any, error) {
	if fd.IsRepeated() && !fd.IsMap() {
		items, ok := val.([]any)
		if !ok {
			return nil, fmt.Errorf("expected []any for repeated field, got %T", val)
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := c.convertIn(fd, item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
	return c.convertIn(fd, val)
}

func (c *Codec) convertIn(fd *desc.FieldDescriptor, val any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		mt := fd.GetMessageType()
		if name, ok := c.schema.IsScalarWrapper(mt); ok {
			scalar, ok := c.scalars.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("no scalar encoder registered for wrapper %q", name)
			}
			wireVal, err := scalar.Encode(val)
			if err != nil {
				return nil, fmt.Errorf("scalar %q: %w", name, err)
			}
			wrapper := dynamic.NewMessage(mt)
			fields := mt.GetFields()
			if len(fields) != 1 {
				return nil, fmt.Errorf("scalar wrapper %q must have exactly one field", name)
			}
			if err := wrapper.SetField(fields[0], wireVal); err != nil {
				return nil, fmt.Errorf("scalar %q wrapper: %w", name, err)
			}
			return wrapper, nil
		}
		nested, ok := val.(Record)
		if !ok {
			if m, ok := val.(map[string]any); ok {
				nested = Record(m)
			} else {
				return nil, fmt.Errorf("expected a record for message field %q, got %T", fd.GetName(), val)
			}
		}
		return c.buildMessage(mt, nested)
	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		switch v := val.(type) {
		case string:
			ev := fd.GetEnumType().FindValueByName(v)
			if ev == nil {
				return nil, fmt.Errorf("unknown enum value %q for %s", v, fd.GetEnumType().GetFullyQualifiedName())
			}
			return ev.GetNumber(), nil
		case int32:
			return v, nil
		case int:
			return int32(v), nil
		default:
			return nil, fmt.Errorf("unsupported enum input type %T", val)
		}
	default:
		return coerceScalar(fd, val)
	}
}

func (c *Codec) messageToRecord(msg *dynamic.Message) (Record, error) {
	md := msg.GetMessageDescriptor()
	out := make(Record, len(md.GetFields()))
	for _, fd := range md.GetFields() {
		raw := msg.GetField(fd)
		val, err := c.fromWireValue(fd, raw)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", fd.GetName(), err)
		}
		out[fd.GetName()] = val
	}
	return out, nil
}

func (c *Codec) fromWireValue(fd *desc.FieldDescriptor, raw any) (any, error) {
	if fd.IsRepeated() && !fd.IsMap() {
		items, ok := raw.([]any)
		if !ok {
			return []any{}, nil
		}
		out := make([]any, len(items))
		for i, item := range items {
			v, err := c.convertOut(fd, item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = v
		}
		return out, nil
	}
	return c.convertOut(fd, raw)
}

func (c *Codec) convertOut(fd *desc.FieldDescriptor, raw any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		if raw == nil {
			return nil, nil
		}
		nestedMsg, ok := raw.(*dynamic.Message)
		if !ok {
			return nil, fmt.Errorf("expected nested message, got %T", raw)
		}
		mt := fd.GetMessageType()
		if name, ok := c.schema.IsScalarWrapper(mt); ok {
			scalar, ok := c.scalars.Lookup(name)
			if !ok {
				return nil, fmt.Errorf("no scalar decoder registered for wrapper %q", name)
			}
			fields := mt.GetFields()
			if len(fields) != 1 {
				return nil, fmt.Errorf("scalar wrapper %q must have exactly one field", name)
			}
			wireVal := nestedMsg.GetField(fields[0])
			return scalar.Decode(wireVal)
		}
		return c.messageToRecord(nestedMsg)
	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		n, ok := raw.(int32)
		if !ok {
			return raw, nil
		}
		ev := fd.GetEnumType().FindValueByNumber(n)
		if ev == nil {
			return n, nil
		}
		return ev.GetName(), nil
	default:
		return raw, nil
	}
}

// coerceScalar narrows the handful of Go numeric-kind mismatches that
// crop up when a caller hands us an `int` where the schema says int32,
// or similar, without trying to be a general-purpose reflection-based
// converter.
func coerceScalar(fd *desc.FieldDescriptor, val any) (any, error) {
	switch fd.GetType() {
	case descriptorpb.FieldDescriptorProto_TYPE_INT32, descriptorpb.FieldDescriptorProto_TYPE_SINT32,
		descriptorpb.FieldDescriptorProto_TYPE_SFIXED32:
		switch v := val.(type) {
		case int32:
			return v, nil
		case int:
			return int32(v), nil
		case int64:
			return int32(v), nil
		case float64:
			return int32(v), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_UINT32, descriptorpb.FieldDescriptorProto_TYPE_FIXED32:
		switch v := val.(type) {
		case uint32:
			return v, nil
		case int:
			return uint32(v), nil
		case int32:
			return uint32(v), nil
		case float64:
			return uint32(v), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_INT64, descriptorpb.FieldDescriptorProto_TYPE_SINT64,
		descriptorpb.FieldDescriptorProto_TYPE_SFIXED64:
		switch v := val.(type) {
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case float64:
			return int64(v), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_UINT64, descriptorpb.FieldDescriptorProto_TYPE_FIXED64:
		switch v := val.(type) {
		case uint64:
			return v, nil
		case int:
			return uint64(v), nil
		case int64:
			return uint64(v), nil
		case float64:
			return uint64(v), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_DOUBLE, descriptorpb.FieldDescriptorProto_TYPE_FLOAT:
		switch v := val.(type) {
		case float64:
			return v, nil
		case float32:
			return v, nil
		case int:
			return float64(v), nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		if v, ok := val.(bool); ok {
			return v, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		if v, ok := val.(string); ok {
			return v, nil
		}
	case descriptorpb.FieldDescriptorProto_TYPE_BYTES:
		if v, ok := val.([]byte); ok {
			return v, nil
		}
	}
	return val, nil
}
