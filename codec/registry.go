package codec

// registry.go implements the Schema Registry (spec.md §3, §4.2 init /
// parse). Schemas are ordinary `.proto` source; protoreflect's
// protoparse compiles them into descriptors without invoking protoc, so
// a Codec can accept schema text handed to it at runtime (registerScalar
// before init, or parse() after) exactly as spec.md requires.

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/jhump/protoreflect/desc"
	"github.com/jhump/protoreflect/desc/protoparse"
)

// scalarsFile is the virtual filename under which the codec compiles
// the current set of custom-scalar wrapper messages. It is re-generated
// every time the scalar set changes and re-parsed alongside user
// schemas, so no real file ever needs to exist on disk for it.
const scalarsFile = "protobus/builtin_scalars.proto"

// SchemaRegistry is the process-wide (per-Codec) Schema Registry: a
// mapping from fully-qualified type name to its descriptor. A process
// normally owns exactly one Codec, so "process-wide" (spec.md §3) is
// realized here as "owned by that one Codec instance", not a package
// global — see the re-architecture note in spec.md §9.
type SchemaRegistry struct {
	mu sync.RWMutex

	messages map[string]*desc.MessageDescriptor
	enums    map[string]*desc.EnumDescriptor
	services map[string]*desc.ServiceDescriptor

	// sources holds every schema text block registered via Parse or
	// discovered under a schema directory, keyed by a synthetic
	// filename, so recompiling after a new scalar registration can
	// replay them all through the parser together with the refreshed
	// scalarsFile.
	sources map[string]string
	order   []string // preserves registration order for deterministic re-parse

	scalarNames []string
	scalarKinds map[string]WireKind
}

// NewSchemaRegistry constructs an empty Schema Registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		messages:    make(map[string]*desc.MessageDescriptor),
		enums:       make(map[string]*desc.EnumDescriptor),
		services:    make(map[string]*desc.ServiceDescriptor),
		sources:     make(map[string]string),
		scalarKinds: make(map[string]WireKind),
	}
}

// SetScalars refreshes the set of custom scalars the registry should
// expose as importable wrapper messages, and recompiles every loaded
// source against the new set. Called by Codec whenever its Custom
// Scalar Registry changes.
func (sr *SchemaRegistry) SetScalars(scalars []Scalar) error {
	names := make([]string, 0, len(scalars))
	kinds := make(map[string]WireKind, len(scalars))
	for _, s := range scalars {
		names = append(names, s.Name)
		kinds[strings.ToLower(s.Name)] = s.Kind
	}

	sr.mu.Lock()
	sr.scalarNames = names
	sr.scalarKinds = kinds
	sr.mu.Unlock()

	return sr.recompile()
}

// InitDirs discovers every ".proto" file under each directory
// (recursively) and compiles them into the registry, in addition to
// whatever was previously registered via Parse.
func (sr *SchemaRegistry) InitDirs(dirs []string) error {
	var files []string
	for _, dir := range dirs {
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			if strings.EqualFold(filepath.Ext(path), ".proto") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("protobus: scanning schema dir %q: %w", dir, err)
		}
	}

	sr.mu.Lock()
	for _, f := range files {
		content, err := os.ReadFile(f)
		if err != nil {
			sr.mu.Unlock()
			return fmt.Errorf("protobus: reading schema file %q: %w", f, err)
		}
		name := filepath.Base(f)
		if _, exists := sr.sources[name]; !exists {
			sr.order = append(sr.order, name)
		}
		sr.sources[name] = string(content)
	}
	sr.mu.Unlock()

	return sr.recompile()
}

// Parse adds one schema text block (spec.md §4.2 parse()), compiling it
// (and every previously-registered source) immediately so lookup errors
// surface to the caller synchronously.
func (sr *SchemaRegistry) Parse(name, text string) error {
	sr.mu.Lock()
	if _, exists := sr.sources[name]; !exists {
		sr.order = append(sr.order, name)
	}
	sr.sources[name] = text
	sr.mu.Unlock()
	return sr.recompile()
}

// scalarRefPattern matches a bare word used as a declared field type:
// "<type> <name> = <number>;" at the start of a field declaration line,
// optionally preceded by "repeated". Good enough to decide whether a
// schema text block needs the synthetic scalars import auto-injected.
var scalarRefPattern = regexp.MustCompile(`(?m)^\s*(?:repeated\s+)?([A-Za-z_][A-Za-z0-9_]*)\s+[A-Za-z_][A-Za-z0-9_]*\s*=\s*\d+\s*;`)

// needsScalarImport reports whether text references any of names as a
// field type and does not already import scalarsFile.
func needsScalarImport(text string, names []string) bool {
	if strings.Contains(text, scalarsFile) {
		return false
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = struct{}{}
	}
	for _, m := range scalarRefPattern.FindAllStringSubmatch(text, -1) {
		if _, ok := set[strings.ToLower(m[1])]; ok {
			return true
		}
	}
	return false
}

// withScalarImport returns text with `import "protobus/builtin_scalars.proto";`
// injected immediately after the syntax declaration (or at the top, if
// none). User schemas that declare custom-scalar fields are expected to
// omit `package`, matching every schema example in spec.md §8, so the
// bare (unqualified) scalar name resolves without further qualification.
func withScalarImport(text string) string {
	inject := `import "` + scalarsFile + `";`
	lines := strings.SplitN(text, "\n", 2)
	if len(lines) == 0 {
		return inject + "\n" + text
	}
	if strings.HasPrefix(strings.TrimSpace(lines[0]), "syntax") {
		rest := ""
		if len(lines) > 1 {
			rest = lines[1]
		}
		return lines[0] + "\n" + inject + "\n" + rest
	}
	return inject + "\n" + text
}

// recompile re-parses every registered source plus the current
// synthetic scalars file and rebuilds the message/enum/service maps.
// Schema compilation is not on any hot path (it happens at init() and
// whenever Parse()/SetScalars() is called), so recompiling from scratch
// rather than incrementally linking is the simpler, correct choice.
func (sr *SchemaRegistry) recompile() error {
	sr.mu.RLock()
	names := append([]string(nil), sr.order...)
	sources := make(map[string]string, len(sr.sources)+1)
	for k, v := range sr.sources {
		sources[k] = v
	}
	scalarNames := append([]string(nil), sr.scalarNames...)
	scalarKinds := make(map[string]WireKind, len(sr.scalarKinds))
	for k, v := range sr.scalarKinds {
		scalarKinds[k] = v
	}
	sr.mu.RUnlock()

	sources[scalarsFile] = buildScalarsSource(scalarNames, scalarKinds)
	for name, text := range sources {
		if name != scalarsFile && needsScalarImport(text, scalarNames) {
			sources[name] = withScalarImport(text)
		}
	}

	parser := protoparse.Parser{
		Accessor: protoparse.FileContentsFromMap(sources),
	}

	toParse := append([]string{scalarsFile}, names...)
	fds, err := parser.ParseFiles(toParse...)
	if err != nil {
		return fmt.Errorf("protobus: schema compilation failed: %w", err)
	}

	messages := make(map[string]*desc.MessageDescriptor)
	enums := make(map[string]*desc.EnumDescriptor)
	services := make(map[string]*desc.ServiceDescriptor)
	for _, fd := range fds {
		collectMessages(fd.GetMessageTypes(), messages)
		for _, e := range fd.GetEnumTypes() {
			enums[e.GetFullyQualifiedName()] = e
		}
		for _, s := range fd.GetServices() {
			services[s.GetFullyQualifiedName()] = s
		}
	}

	sr.mu.Lock()
	sr.messages = messages
	sr.enums = enums
	sr.services = services
	sr.mu.Unlock()
	return nil
}

func collectMessages(msgs []*desc.MessageDescriptor, out map[string]*desc.MessageDescriptor) {
	for _, m := range msgs {
		out[m.GetFullyQualifiedName()] = m
		collectMessages(m.GetNestedMessageTypes(), out)
	}
}

// buildScalarsSource renders the virtual schema file exposing every
// registered scalar as a single-field wrapper message, per spec.md
// §4.2's "single-field wrapper message used transparently by the
// codec". The file deliberately has no `package` statement: custom
// scalars are referenced by bare lowercase name (spec.md §3), which
// requires the wrapper messages to live in the same (default/unnamed)
// package as any schema that uses them.
func buildScalarsSource(names []string, kinds map[string]WireKind) string {
	var b strings.Builder
	b.WriteString("syntax = \"proto3\";\n\n")
	for _, n := range names {
		kind := kinds[strings.ToLower(n)]
		fmt.Fprintf(&b, "message %s {\n  %s value = 1;\n}\n\n", n, kind.protoType())
	}
	return b.String()
}

// FindMessage resolves a fully-qualified message type name.
func (sr *SchemaRegistry) FindMessage(name string) (*desc.MessageDescriptor, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	m, ok := sr.messages[strings.TrimPrefix(name, ".")]
	return m, ok
}

// IsScalarWrapper reports whether md is the wrapper message for a
// registered custom scalar, returning its name if so.
func (sr *SchemaRegistry) IsScalarWrapper(md *desc.MessageDescriptor) (string, bool) {
	if md == nil || md.GetFile() == nil {
		return "", false
	}
	if md.GetFile().GetName() != scalarsFile {
		return "", false
	}
	return md.GetName(), true
}

// FindService resolves a fully-qualified service type name.
func (sr *SchemaRegistry) FindService(name string) (*desc.ServiceDescriptor, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	s, ok := sr.services[strings.TrimPrefix(name, ".")]
	return s, ok
}

// FindMethod resolves "<Package.>ServiceName.method" to its descriptor,
// by splitting at the last dot: everything before is the service name,
// everything after is the method name.
func (sr *SchemaRegistry) FindMethod(qualified string) (*desc.MethodDescriptor, bool) {
	idx := strings.LastIndex(qualified, ".")
	if idx < 0 {
		return nil, false
	}
	serviceName, method := qualified[:idx], qualified[idx+1:]
	svc, ok := sr.FindService(serviceName)
	if !ok {
		return nil, false
	}
	for _, m := range svc.GetMethods() {
		if m.GetName() == method {
			return m, true
		}
	}
	return nil, false
}
