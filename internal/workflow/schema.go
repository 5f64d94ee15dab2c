package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Path references the named output of another protocol in the graph,
// rendered on the wire as "protocol-id.output-name".
type Path struct {
	Protocol string
	Output   string
}

func (p Path) String() string { return p.Protocol + "." + p.Output }

// ParsePath splits a "protocol-id.output-name" reference. The output
// name is the segment after the last dot, so protocol ids may contain
// dots themselves.
func ParsePath(s string) (Path, error) {
	idx := strings.LastIndex(s, ".")
	if idx <= 0 || idx == len(s)-1 {
		return Path{}, fmt.Errorf("invalid protocol path %q", s)
	}
	return Path{Protocol: s[:idx], Output: s[idx+1:]}, nil
}

// Value is one protocol input in a schema: either a literal or a path
// reference to another protocol's output.
type Value struct {
	Literal any
	Path    *Path
}

// Literal builds a literal schema value.
func Literal(v any) Value { return Value{Literal: v} }

// Ref builds a path-reference schema value.
func Ref(protocol, output string) Value {
	return Value{Path: &Path{Protocol: protocol, Output: output}}
}

// IsRef reports whether the value references another protocol.
func (v Value) IsRef() bool { return v.Path != nil }

type valueJSON struct {
	Literal any    `json:"literal,omitempty"`
	Path    string `json:"path,omitempty"`
}

// MarshalJSON writes either the literal or the path reference.
func (v Value) MarshalJSON() ([]byte, error) {
	out := valueJSON{Literal: v.Literal}
	if v.Path != nil {
		out.Path = v.Path.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a schema value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var aux valueJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	v.Literal = aux.Literal
	v.Path = nil
	if aux.Path != "" {
		parsed, err := ParsePath(aux.Path)
		if err != nil {
			return err
		}
		v.Path = &parsed
	}
	return nil
}

// ProtocolSchema declares one graph node: a protocol type plus its
// input assignments.
type ProtocolSchema struct {
	ID     string           `json:"id"`
	Type   string           `json:"type"`
	Inputs map[string]Value `json:"inputs"`
}

// Replicator expands template protocols over a list of values. Every
// occurrence of the placeholder in protocol ids is substituted with the
// replica index, and inputs set to ReplicatedValue receive the
// replica's value.
type Replicator struct {
	// Placeholder is the token substituted in protocol ids, e.g.
	// "$(repl)".
	Placeholder string `json:"placeholder"`
	Values      []any  `json:"values"`
}

// ReplicatedValue marks a schema input to be filled from the active
// replicator value during expansion.
type ReplicatedValue struct{}

// Schema is a declarative workflow: a list of protocol declarations,
// optional replicators, and the paths that provide the workflow's
// final value and gradients.
type Schema struct {
	ID          string           `json:"id"`
	Protocols   []ProtocolSchema `json:"protocols"`
	Replicators []Replicator     `json:"replicators,omitempty"`
	FinalValue  Path             `json:"-"`
	Gradients   []Path           `json:"-"`
}

type schemaJSON struct {
	ID          string           `json:"id"`
	Protocols   []ProtocolSchema `json:"protocols"`
	Replicators []Replicator     `json:"replicators,omitempty"`
	FinalValue  string           `json:"final_value"`
	Gradients   []string         `json:"gradients,omitempty"`
}

// MarshalJSON writes the schema with string-encoded paths.
func (s Schema) MarshalJSON() ([]byte, error) {
	out := schemaJSON{ID: s.ID, Protocols: s.Protocols, Replicators: s.Replicators, FinalValue: s.FinalValue.String()}
	for _, g := range s.Gradients {
		out.Gradients = append(out.Gradients, g.String())
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a schema, parsing the path strings.
func (s *Schema) UnmarshalJSON(data []byte) error {
	var aux schemaJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	final, err := ParsePath(aux.FinalValue)
	if err != nil {
		return err
	}
	s.ID = aux.ID
	s.Protocols = aux.Protocols
	s.Replicators = aux.Replicators
	s.FinalValue = final
	s.Gradients = nil
	for _, g := range aux.Gradients {
		parsed, err := ParsePath(g)
		if err != nil {
			return err
		}
		s.Gradients = append(s.Gradients, parsed)
	}
	return nil
}

// Expand applies the schema's replicators, returning a schema with all
// template protocols instantiated per replica and no replicators left.
func (s Schema) Expand() (Schema, error) {
	expanded := Schema{ID: s.ID, FinalValue: s.FinalValue, Gradients: s.Gradients, Protocols: s.Protocols}
	for _, replicator := range s.Replicators {
		next, err := applyReplicator(expanded, replicator)
		if err != nil {
			return Schema{}, err
		}
		expanded = next
	}
	return expanded, nil
}

func applyReplicator(s Schema, replicator Replicator) (Schema, error) {
	if replicator.Placeholder == "" {
		return Schema{}, fmt.Errorf("replicator placeholder must not be empty")
	}
	out := Schema{ID: s.ID, FinalValue: s.FinalValue}
	for _, schema := range s.Protocols {
		if !strings.Contains(schema.ID, replicator.Placeholder) {
			// Untemplated protocols pass through; references into
			// templates would be ambiguous and are rejected.
			for name, value := range schema.Inputs {
				if value.IsRef() && strings.Contains(value.Path.Protocol, replicator.Placeholder) {
					return Schema{}, fmt.Errorf("protocol %s input %s references replicated protocol %s",
						schema.ID, name, value.Path.Protocol)
				}
			}
			out.Protocols = append(out.Protocols, schema)
			continue
		}
		for index, replicaValue := range replicator.Values {
			token := fmt.Sprintf("%d", index)
			replica := ProtocolSchema{
				ID:     strings.ReplaceAll(schema.ID, replicator.Placeholder, token),
				Type:   schema.Type,
				Inputs: make(map[string]Value, len(schema.Inputs)),
			}
			for name, value := range schema.Inputs {
				switch {
				case value.IsRef():
					ref := *value.Path
					ref.Protocol = strings.ReplaceAll(ref.Protocol, replicator.Placeholder, token)
					replica.Inputs[name] = Value{Path: &ref}
				default:
					if _, ok := value.Literal.(ReplicatedValue); ok {
						replica.Inputs[name] = Literal(replicaValue)
					} else {
						replica.Inputs[name] = value
					}
				}
			}
			out.Protocols = append(out.Protocols, replica)
		}
	}
	out.Gradients = replicatePaths(s.Gradients, replicator)
	return out, nil
}

func replicatePaths(paths []Path, replicator Replicator) []Path {
	var out []Path
	for _, p := range paths {
		if !strings.Contains(p.Protocol, replicator.Placeholder) {
			out = append(out, p)
			continue
		}
		for index := range replicator.Values {
			token := fmt.Sprintf("%d", index)
			out = append(out, Path{
				Protocol: strings.ReplaceAll(p.Protocol, replicator.Placeholder, token),
				Output:   p.Output,
			})
		}
	}
	return out
}

// Validate checks the schema for duplicate ids, unknown protocol types
// and dangling references.
func (s Schema) Validate(registry *Registry) error {
	seen := make(map[string]bool, len(s.Protocols))
	for _, schema := range s.Protocols {
		if schema.ID == "" {
			return fmt.Errorf("protocol id must not be empty")
		}
		if seen[schema.ID] {
			return fmt.Errorf("duplicate protocol id %q", schema.ID)
		}
		seen[schema.ID] = true
		if _, err := registry.New(schema.Type); err != nil {
			return err
		}
	}
	for _, schema := range s.Protocols {
		for name, value := range schema.Inputs {
			if value.IsRef() && !seen[value.Path.Protocol] {
				return fmt.Errorf("protocol %s input %s references unknown protocol %q",
					schema.ID, name, value.Path.Protocol)
			}
		}
	}
	if s.FinalValue.Protocol != "" && !seen[s.FinalValue.Protocol] {
		return fmt.Errorf("final value references unknown protocol %q", s.FinalValue.Protocol)
	}
	for _, g := range s.Gradients {
		if !seen[g.Protocol] {
			return fmt.Errorf("gradient references unknown protocol %q", g.Protocol)
		}
	}
	return nil
}
