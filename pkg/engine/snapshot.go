package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolKey is the top-level snapshot key holding tool metadata.
const ToolKey = "tool"

// Format is a snapshot serialization format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(name)); f {
	case FormatJSON, FormatYAML:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", NewUsageError(fmt.Sprintf("unknown snapshot format %q", name), nil).WithCode(ErrCodeUnknownFormat)
	}
}

// FormatFromPath picks the format from a file extension, JSON unless the
// path ends in .yaml or .yml.
func FormatFromPath(path string) Format {
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// ToolInfo is the snapshot metadata.
type ToolInfo struct {
	Version string `json:"version"`
}

// Snapshot is the portable form of the platform state: the platform
// version it was taken on and the objects of each family.
type Snapshot struct {
	Version string

	// Families holds objects per family name, in platform order.
	Families map[string][]Object

	// Order lists the family keys in output order.
	Order []string

	// Unknown lists top-level keys of a decoded snapshot that name no
	// registered family.
	Unknown []string
}

// NewSnapshot creates an empty snapshot.
func NewSnapshot(version string) *Snapshot {
	return &Snapshot{Version: version, Families: make(map[string][]Object)}
}

// Add appends objects of a family. A family added without objects still
// appears in the output as an empty list.
func (s *Snapshot) Add(family string, objects ...Object) {
	if _, ok := s.Families[family]; !ok {
		s.Order = append(s.Order, family)
		s.Families[family] = []Object{}
	}
	s.Families[family] = append(s.Families[family], objects...)
}

// Encode writes the snapshot in the given format. indent is the number of
// spaces per level; zero writes compact JSON.
func (s *Snapshot) Encode(w io.Writer, format Format, indent int) error {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = s.EncodeJSON(indent)
	case FormatYAML:
		data, err = s.EncodeYAML(indent)
	default:
		return NewUsageError(fmt.Sprintf("unknown snapshot format %q", format), nil).WithCode(ErrCodeUnknownFormat)
	}
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// EncodeJSON serializes the snapshot with the tool key first and families
// in order.
func (s *Snapshot) EncodeJSON(indent int) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	tool, err := json.Marshal(ToolInfo{Version: s.Version})
	if err != nil {
		return nil, err
	}
	writeMember(&buf, ToolKey, tool)

	for _, family := range s.Order {
		objects := s.Families[family]
		if objects == nil {
			objects = []Object{}
		}
		data, err := json.Marshal(objects)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s objects: %w", family, err)
		}
		buf.WriteByte(',')
		writeMember(&buf, family, data)
	}
	buf.WriteByte('}')

	if indent <= 0 {
		buf.WriteByte('\n')
		return buf.Bytes(), nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, buf.Bytes(), "", strings.Repeat(" ", indent)); err != nil {
		return nil, err
	}
	out.WriteByte('\n')
	return out.Bytes(), nil
}

func writeMember(buf *bytes.Buffer, key string, value []byte) {
	k, _ := json.Marshal(key)
	buf.Write(k)
	buf.WriteByte(':')
	buf.Write(value)
}

// EncodeYAML serializes the snapshot as block-style YAML with the same key
// order as the JSON form.
func (s *Snapshot) EncodeYAML(indent int) ([]byte, error) {
	data, err := s.EncodeJSON(0)
	if err != nil {
		return nil, err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to convert snapshot to YAML: %w", err)
	}
	blockStyle(&doc)

	if indent <= 0 {
		indent = 2
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(indent)
	if err := enc.Encode(&doc); err != nil {
		return nil, fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// blockStyle drops the flow and quoting styles inherited from JSON. The
// encoder re-quotes strings that would otherwise read as another type.
func blockStyle(n *yaml.Node) {
	switch n.Kind {
	case yaml.MappingNode, yaml.SequenceNode:
		n.Style &^= yaml.FlowStyle
	case yaml.ScalarNode:
		if n.Tag == "!!str" {
			n.Style = 0
		}
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// Decode parses a snapshot. Top-level keys that name no registered family
// are kept in Unknown and otherwise ignored. Every object must match one
// of its family's shapes exactly.
func Decode(data []byte, format Format, registry *Registry) (*Snapshot, error) {
	switch format {
	case FormatJSON:
	case FormatYAML:
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, NewFormatError("snapshot is not valid YAML", err).WithCode(ErrCodeMalformed)
		}
		converted, err := json.Marshal(generic)
		if err != nil {
			return nil, NewFormatError("snapshot YAML cannot be represented as JSON", err).WithCode(ErrCodeMalformed)
		}
		data = converted
	default:
		return nil, NewUsageError(fmt.Sprintf("unknown snapshot format %q", format), nil).WithCode(ErrCodeUnknownFormat)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, NewFormatError("snapshot is not an object", err).WithCode(ErrCodeMalformed)
	}

	rawTool, ok := top[ToolKey]
	if !ok {
		return nil, NewFormatError(fmt.Sprintf("snapshot has no %q key", ToolKey), nil).WithCode(ErrCodeMalformed)
	}
	var tool ToolInfo
	if err := strictUnmarshal(rawTool, &tool); err != nil {
		return nil, NewFormatError("invalid tool metadata", err).WithCode(ErrCodeMalformed)
	}

	snap := NewSnapshot(tool.Version)
	for _, family := range registry.Families() {
		raw, ok := top[family.Name()]
		if !ok {
			continue
		}
		objects, err := decodeFamily(family, raw)
		if err != nil {
			return nil, err
		}
		snap.Add(family.Name(), objects...)
	}

	for key := range top {
		if key == ToolKey {
			continue
		}
		if _, ok := registry.Get(key); !ok {
			snap.Unknown = append(snap.Unknown, key)
		}
	}
	sort.Strings(snap.Unknown)

	return snap, nil
}

func decodeFamily(family Family, raw json.RawMessage) ([]Object, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, NewFormatError("family value must be a list of objects", err).
			WithFamily(family.Name()).WithCode(ErrCodeMalformed)
	}

	objects := make([]Object, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, NewFormatError(fmt.Sprintf("object %d is not a flat record", i), err).
				WithFamily(family.Name()).WithCode(ErrCodeMalformed)
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}

		shape, err := MatchShape(family, names)
		if err != nil {
			return nil, err.(*EngineError).WithDetail("index", i)
		}
		obj := shape.New()
		if err := strictUnmarshal(item, obj); err != nil {
			return nil, NewFormatError(fmt.Sprintf("object %d does not decode as %s", i, shape.Name), err).
				WithFamily(family.Name()).WithCode(ErrCodeUnknownShape)
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
