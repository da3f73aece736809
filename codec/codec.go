// Package codec is the Message Factory from spec.md §4.2: it owns the
// Schema Registry and Custom Scalar Registry, and encodes/decodes the
// three wire-exact framing envelopes (request, response, event) from
// spec.md §3 around payloads it encodes/decodes against a method or
// event's declared protobuf type.
package codec

import "fmt"

// Codec is a Message Factory instance. The zero value is not usable;
// construct with New().
type Codec struct {
	schema  *SchemaRegistry
	scalars *ScalarRegistry

	initialized bool
}

// New constructs a Codec with the built-in scalars (bigint, timestamp)
// already registered.
func New() *Codec {
	c := &Codec{
		schema:  NewSchemaRegistry(),
		scalars: NewScalarRegistry(),
	}
	// Best effort: an empty schema set still needs the scalars file
	// compiled so RegisterScalar before Init has somewhere to land.
	_ = c.schema.SetScalars(scalarList(c.scalars))
	return c
}

func scalarList(r *ScalarRegistry) []Scalar {
	names := r.Names()
	out := make([]Scalar, 0, len(names))
	for _, n := range names {
		s, ok := r.Lookup(n)
		if ok {
			out = append(out, s)
		}
	}
	return out
}

// RegisterScalar installs a custom wrapper before or after Init, per
// spec.md §4.2. Registering after Init recompiles every loaded schema
// against the updated scalar set, so fields referencing the new scalar
// in schemas parsed earlier still resolve correctly as long as they are
// re-parsed — callers that need a scalar available to schemas loaded at
// Init time must register it first, matching the ordering spec.md §9
// recommends.
func (c *Codec) RegisterScalar(s Scalar) error {
	c.scalars.Register(s)
	return c.schema.SetScalars(scalarList(c.scalars))
}

// Init discovers schema files under each directory and compiles them.
func (c *Codec) Init(schemaDirs []string) error {
	if err := c.schema.InitDirs(schemaDirs); err != nil {
		return err
	}
	c.initialized = true
	return nil
}

// Parse adds one schema text block at runtime (spec.md §4.2 parse()).
// name is a synthetic filename used for diagnostics and import
// resolution; callers that don't care can pass any unique string.
func (c *Codec) Parse(name, text string) error {
	return c.schema.Parse(name, text)
}

// EncodeRequest encodes payload against method's input type and wraps
// it in a RequestContainer.
func (c *Codec) EncodeRequest(method string, payload Record, actor string) ([]byte, error) {
	md, ok := c.schema.FindMethod(method)
	if !ok {
		return nil, fmt.Errorf("protobus: unknown method %q", method)
	}
	inner, err := c.encodeRecord(md.GetInputType(), payload)
	if err != nil {
		return nil, fmt.Errorf("protobus: encode request for %q: %w", method, err)
	}
	return encodeRequestContainer(method, actor, inner), nil
}

// DecodedRequest is the result of DecodeRequest.
type DecodedRequest struct {
	Method  string
	Actor   string
	Payload Record
}

// DecodeRequest decodes a RequestContainer and its inner payload in a
// single pass: the container is parsed once, the method resolved once,
// and the inner bytes decoded exactly once. An implementation that
// decodes the inner payload a second time (e.g. to re-validate before
// dispatch) is non-conforming per spec.md §4.2's performance invariant.
func (c *Codec) DecodeRequest(data []byte) (DecodedRequest, error) {
	container, err := decodeRequestContainer(data)
	if err != nil {
		return DecodedRequest{}, fmt.Errorf("protobus: decode request container: %w", err)
	}
	md, ok := c.schema.FindMethod(container.Method)
	if !ok {
		return DecodedRequest{}, fmt.Errorf("protobus: unknown method %q", container.Method)
	}
	payload, err := c.decodeRecord(md.GetInputType(), container.Payload)
	if err != nil {
		return DecodedRequest{}, fmt.Errorf("protobus: decode payload for %q: %w", container.Method, err)
	}
	return DecodedRequest{Method: container.Method, Actor: container.Actor, Payload: payload}, nil
}

// EncodeResponse encodes payload against method's output type and wraps
// it in ResponseContainer::Result.
func (c *Codec) EncodeResponse(method string, payload Record) ([]byte, error) {
	md, ok := c.schema.FindMethod(method)
	if !ok {
		return nil, fmt.Errorf("protobus: unknown method %q", method)
	}
	inner, err := c.encodeRecord(md.GetOutputType(), payload)
	if err != nil {
		return nil, fmt.Errorf("protobus: encode response for %q: %w", method, err)
	}
	return encodeResultContainer(inner), nil
}

// ResponseError is the wire shape of ResponseContainer::Error.
type ResponseError struct {
	Message string
	Code    string
	Handled bool
}

// EncodeError wraps an error condition in ResponseContainer::Error. No
// schema lookup is needed: the error shape is fixed by the envelope.
func (c *Codec) EncodeError(e ResponseError) []byte {
	return encodeErrorContainer(e.Message, e.Code, e.Handled)
}

// DecodedResponse is the result of DecodeResponse: exactly one of
// Result or Error is populated.
type DecodedResponse struct {
	Result *Record
	Error  *ResponseError
}

// DecodeResponse decodes a ResponseContainer. Because the wire envelope
// alone does not carry the output type (spec.md §4.2's signature omits
// it for brevity, but §4.11's Service Proxy always knows which method
// it called when the reply for that correlation id arrives), callers
// pass the originating method name so the Result branch can be decoded
// against the right output type; the Error branch never needs it.
func (c *Codec) DecodeResponse(method string, data []byte) (DecodedResponse, error) {
	container, err := decodeResponseContainer(data)
	if err != nil {
		return DecodedResponse{}, fmt.Errorf("protobus: decode response container: %w", err)
	}
	if container.IsError {
		return DecodedResponse{Error: &ResponseError{
			Message: container.Message,
			Code:    container.Code,
			Handled: container.Handled,
		}}, nil
	}

	md, ok := c.schema.FindMethod(method)
	if !ok {
		return DecodedResponse{}, fmt.Errorf("protobus: unknown method %q", method)
	}
	payload, err := c.decodeRecord(md.GetOutputType(), container.Payload)
	if err != nil {
		return DecodedResponse{}, fmt.Errorf("protobus: decode result for %q: %w", method, err)
	}
	return DecodedResponse{Result: &payload}, nil
}

// EncodeEvent encodes payload against the message type named typ and
// wraps it in an EventContainer.
func (c *Codec) EncodeEvent(typ string, payload Record, topic string) ([]byte, error) {
	md, ok := c.schema.FindMessage(typ)
	if !ok {
		return nil, fmt.Errorf("protobus: unknown event type %q", typ)
	}
	inner, err := c.encodeRecord(md, payload)
	if err != nil {
		return nil, fmt.Errorf("protobus: encode event %q: %w", typ, err)
	}
	if topic == "" {
		topic = "EVENT." + typ
	}
	return encodeEventContainer(typ, topic, inner), nil
}

// DecodedEvent is the result of DecodeEvent.
type DecodedEvent struct {
	Type    string
	Topic   string
	Payload Record
}

// DecodeEvent decodes an EventContainer and its inner payload against
// the message type named by the container's own `type` field — no
// external method context is needed, unlike DecodeResponse.
func (c *Codec) DecodeEvent(data []byte) (DecodedEvent, error) {
	container, err := decodeEventContainer(data)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("protobus: decode event container: %w", err)
	}
	md, ok := c.schema.FindMessage(container.Type)
	if !ok {
		return DecodedEvent{}, fmt.Errorf("protobus: unknown event type %q", container.Type)
	}
	payload, err := c.decodeRecord(md, container.Payload)
	if err != nil {
		return DecodedEvent{}, fmt.Errorf("protobus: decode event payload for %q: %w", container.Type, err)
	}
	return DecodedEvent{Type: container.Type, Topic: container.Topic, Payload: payload}, nil
}

// Schema exposes the underlying Schema Registry for components (the
// Service Host, the CLI generator this module doesn't implement) that
// need raw descriptor access beyond encode/decode.
func (c *Codec) Schema() *SchemaRegistry { return c.schema }

// Scalars exposes the underlying Custom Scalar Registry.
func (c *Codec) Scalars() *ScalarRegistry { return c.scalars }
