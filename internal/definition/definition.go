// Package definition models the synthesized stack definition handed to a
// lifecycle controller: an opaque name plus a serialized configuration
// document describing the desired infrastructure state.
package definition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Definition is one synthesized stack definition. It is immutable once
// handed to a controller; the controller holds a reference, never a copy.
type Definition struct {
	Name    string
	Content []byte
}

// Document is the parsed form of a definition's content.
type Document struct {
	Backend   *BackendSpec               `json:"backend,omitempty"`
	Outputs   map[string]OutputSpec      `json:"outputs,omitempty"`
	Resources map[string]json.RawMessage `json:"resources,omitempty"`
}

// BackendSpec declares which execution backend the stack targets.
type BackendSpec struct {
	Type   string      `json:"type"`
	Remote *RemoteSpec `json:"remote,omitempty"`
}

// RemoteSpec carries enough information to probe and drive a managed
// workspace: the API address, the workspace name, and an optional token.
type RemoteSpec struct {
	Address   string `json:"address"`
	Workspace string `json:"workspace"`
	Token     string `json:"token,omitempty"`
}

// OutputSpec records the hierarchical chain of construct identifiers that
// produced a declared output.
type OutputSpec struct {
	ConstructPath []string `json:"constructPath"`
	Sensitive     bool     `json:"sensitive,omitempty"`
}

// Parse validates the definition content against the document schema and
// decodes it. A malformed document is an initialization failure, fatal to
// the run that triggered the parse.
func Parse(def *Definition) (*Document, error) {
	inst, err := unmarshalInstance(def.Content)
	if err != nil {
		return nil, fmt.Errorf("definition %q: decode content: %w", def.Name, err)
	}
	if err := contentSchema.Validate(inst); err != nil {
		return nil, fmt.Errorf("definition %q: invalid content: %w", def.Name, err)
	}

	var doc Document
	if err := json.Unmarshal(def.Content, &doc); err != nil {
		return nil, fmt.Errorf("definition %q: decode content: %w", def.Name, err)
	}
	return &doc, nil
}

// RemoteBackend returns the remote workspace declaration, or nil when the
// document targets local execution.
func (d *Document) RemoteBackend() *RemoteSpec {
	if d.Backend == nil || d.Backend.Type != "remote" {
		return nil
	}
	r := d.Backend.Remote
	if r == nil || r.Address == "" || r.Workspace == "" {
		return nil
	}
	return r
}

// LoadFile reads a synthesized definition from disk, deriving the stack
// name from the file name.
func LoadFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition %q: %w", path, err)
	}

	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	if name == "" {
		return nil, fmt.Errorf("definition %q: cannot derive stack name", path)
	}

	return &Definition{Name: name, Content: content}, nil
}

func unmarshalInstance(content []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return nil, err
	}
	return inst, nil
}
