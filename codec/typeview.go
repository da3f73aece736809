package codec

// typeview.go implements exportTypeView (spec.md §4.2): a
// language-neutral description of a service's types, meant to feed the
// out-of-scope code generator. spec.md describes its purpose without
// nailing the shape; TypeView below is the minimum a generator needs:
// service -> methods -> {input,output} -> fields (name/kind/repeated/
// customScalar).

import (
	"fmt"

	"github.com/jhump/protoreflect/desc"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

// FieldView describes one field of a message type.
type FieldView struct {
	Name         string `json:"name"`
	Kind         string `json:"kind"`
	Repeated     bool   `json:"repeated"`
	Nullable     bool   `json:"nullable"`
	CustomScalar string `json:"customScalar,omitempty"`
	MessageType  string `json:"messageType,omitempty"`
}

// MessageView describes one message type.
type MessageView struct {
	Name   string      `json:"name"`
	Fields []FieldView `json:"fields"`
}

// MethodView describes one RPC method.
type MethodView struct {
	Name   string       `json:"name"`
	Input  MessageView  `json:"input"`
	Output MessageView  `json:"output"`
}

// TypeView describes a whole service.
type TypeView struct {
	Service string       `json:"service"`
	Methods []MethodView `json:"methods"`
}

// ExportTypeView renders a TypeView for serviceName, resolving every
// method's input/output message recursively one level deep (nested
// submessage field types are named but not expanded further — a
// generator that needs the full tree calls ExportMessageView on the
// named type).
func (c *Codec) ExportTypeView(serviceName string) (TypeView, error) {
	svc, ok := c.schema.FindService(serviceName)
	if !ok {
		return TypeView{}, fmt.Errorf("protobus: unknown service %q", serviceName)
	}
	view := TypeView{Service: svc.GetFullyQualifiedName()}
	for _, m := range svc.GetMethods() {
		view.Methods = append(view.Methods, MethodView{
			Name:   m.GetName(),
			Input:  c.messageView(m.GetInputType()),
			Output: c.messageView(m.GetOutputType()),
		})
	}
	return view, nil
}

// ExportMessageView renders a MessageView for an arbitrary registered
// message type, for generators that need to expand nested types.
func (c *Codec) ExportMessageView(typeName string) (MessageView, error) {
	md, ok := c.schema.FindMessage(typeName)
	if !ok {
		return MessageView{}, fmt.Errorf("protobus: unknown type %q", typeName)
	}
	return c.messageView(md), nil
}

func (c *Codec) messageView(md *desc.MessageDescriptor) MessageView {
	view := MessageView{Name: md.GetFullyQualifiedName()}
	for _, fd := range md.GetFields() {
		fv := FieldView{
			Name:     fd.GetName(),
			Kind:     fieldKindName(fd.GetType()),
			Repeated: fd.IsRepeated(),
			Nullable: !fd.IsRequired(),
		}
		if fd.GetType() == descriptorpb.FieldDescriptorProto_TYPE_MESSAGE {
			mt := fd.GetMessageType()
			if name, ok := c.schema.IsScalarWrapper(mt); ok {
				fv.Kind = "scalar"
				fv.CustomScalar = name
			} else {
				fv.MessageType = mt.GetFullyQualifiedName()
			}
		}
		if fd.GetType() == descriptorpb.FieldDescriptorProto_TYPE_ENUM {
			fv.MessageType = fd.GetEnumType().GetFullyQualifiedName()
		}
		view.Fields = append(view.Fields, fv)
	}
	return view
}

func fieldKindName(t descriptorpb.FieldDescriptorProto_Type) string {
	switch t {
	case descriptorpb.FieldDescriptorProto_TYPE_DOUBLE:
		return "double"
	case descriptorpb.FieldDescriptorProto_TYPE_FLOAT:
		return "float"
	case descriptorpb.FieldDescriptorProto_TYPE_INT64:
		return "int64"
	case descriptorpb.FieldDescriptorProto_TYPE_UINT64:
		return "uint64"
	case descriptorpb.FieldDescriptorProto_TYPE_INT32:
		return "int32"
	case descriptorpb.FieldDescriptorProto_TYPE_FIXED64:
		return "fixed64"
	case descriptorpb.FieldDescriptorProto_TYPE_FIXED32:
		return "fixed32"
	case descriptorpb.FieldDescriptorProto_TYPE_BOOL:
		return "bool"
	case descriptorpb.FieldDescriptorProto_TYPE_STRING:
		return "string"
	case descriptorpb.FieldDescriptorProto_TYPE_MESSAGE:
		return "message"
	case descriptorpb.FieldDescriptorProto_TYPE_BYTES:
		return "bytes"
	case descriptorpb.FieldDescriptorProto_TYPE_UINT32:
		return "uint32"
	case descriptorpb.FieldDescriptorProto_TYPE_ENUM:
		return "enum"
	case descriptorpb.FieldDescriptorProto_TYPE_SFIXED32:
		return "sfixed32"
	case descriptorpb.FieldDescriptorProto_TYPE_SFIXED64:
		return "sfixed64"
	case descriptorpb.FieldDescriptorProto_TYPE_SINT32:
		return "sint32"
	case descriptorpb.FieldDescriptorProto_TYPE_SINT64:
		return "sint64"
	default:
		return "unknown"
	}
}
