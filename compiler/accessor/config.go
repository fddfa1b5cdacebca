// Package accessor generates tracked entity types from a YAML manifest.
// The generated structs embed unison.Tracker, implement unison.Entity,
// and expose typed accessors whose setters report modifications to the
// owning session, so no runtime reflection or instrumentation is needed.
package accessor

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syssam/unison/schema"
)

// Manifest is the root of the YAML schema manifest.
type Manifest struct {
	// Package is the Go package name of the generated code.
	Package string `yaml:"package"`
	// Module is the import path of the generated package, used for
	// self-references in emitted files.
	Module string `yaml:"module"`
	// Types lists the entity types to generate.
	Types []*TypeSpec `yaml:"types"`
}

// TypeSpec describes one entity type in the manifest.
type TypeSpec struct {
	Name    string      `yaml:"name"`
	Table   string      `yaml:"table"`
	Version string      `yaml:"version,omitempty"`
	Attrs   []*AttrSpec `yaml:"attrs"`
	Rels    []*RelSpec  `yaml:"rels,omitempty"`
}

// AttrSpec describes one scalar attribute.
type AttrSpec struct {
	Name   string `yaml:"name"`
	Column string `yaml:"column,omitempty"`
	// Type is the Go-facing value type: int64, string, bool, float64,
	// time or bytes.
	Type string `yaml:"type"`
	// ID marks a primary-key component. Multiple ID attributes form a
	// composite key in declaration order.
	ID bool `yaml:"id,omitempty"`
	// Generated marks a database-generated value (auto increment).
	Generated bool `yaml:"generated,omitempty"`
	// Default names a client-side default applied on insert. The only
	// built-in is "uuid".
	Default string `yaml:"default,omitempty"`
}

// RelSpec describes one relationship attribute.
type RelSpec struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"` // o2m, m2o or m2m
	To            string `yaml:"to"`
	Column        string `yaml:"column,omitempty"`
	RefColumn     string `yaml:"ref_column,omitempty"`
	Cascade       string `yaml:"cascade,omitempty"`
	SingleParent  bool   `yaml:"single_parent,omitempty"`
	PostUpdate    bool   `yaml:"post_update,omitempty"`
	JoinTable     string `yaml:"join_table,omitempty"`
	JoinColumn    string `yaml:"join_column,omitempty"`
	JoinRefColumn string `yaml:"join_ref_column,omitempty"`
}

// Load reads and validates a manifest file. Unknown YAML keys are
// rejected so typos surface at generation time rather than as silently
// missing metadata.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("accessor: read manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes a manifest from YAML bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("accessor: parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Package == "" {
		return fmt.Errorf("accessor: manifest is missing the package name")
	}
	if len(m.Types) == 0 {
		return fmt.Errorf("accessor: manifest declares no types")
	}
	for _, t := range m.Types {
		if t.Name == "" || t.Table == "" {
			return fmt.Errorf("accessor: type %q needs both name and table", t.Name)
		}
		var ids int
		for _, a := range t.Attrs {
			if !validAttrType(a.Type) {
				return fmt.Errorf("accessor: %s.%s: unsupported type %q", t.Name, a.Name, a.Type)
			}
			if a.ID {
				ids++
			}
			if a.Default != "" && a.Default != "uuid" {
				return fmt.Errorf("accessor: %s.%s: unknown default %q", t.Name, a.Name, a.Default)
			}
		}
		if ids == 0 {
			return fmt.Errorf("accessor: type %q has no primary-key attribute", t.Name)
		}
		for _, r := range t.Rels {
			switch r.Kind {
			case "o2m", "m2o", "m2m":
			default:
				return fmt.Errorf("accessor: %s.%s: unknown relationship kind %q", t.Name, r.Name, r.Kind)
			}
		}
	}
	return nil
}

func validAttrType(s string) bool {
	switch s {
	case "int64", "string", "bool", "float64", "time", "bytes":
		return true
	}
	return false
}

// Graph builds the runtime metadata graph declared by the manifest.
func (m *Manifest) Graph() (*schema.Graph, error) {
	types := make([]*schema.Type, 0, len(m.Types))
	for _, t := range m.Types {
		st := &schema.Type{
			Name:    t.Name,
			Table:   t.Table,
			Version: t.Version,
		}
		for _, a := range t.Attrs {
			attr := &schema.Attr{
				Name:      a.Name,
				Column:    a.Column,
				Generated: a.Generated,
			}
			if a.Default == "uuid" {
				attr.Default = schema.UUIDString()
			}
			st.Attrs = append(st.Attrs, attr)
			if a.ID {
				st.ID = append(st.ID, a.Name)
			}
		}
		for _, r := range t.Rels {
			cascade, err := schema.ParseCascade(r.Cascade)
			if err != nil {
				return nil, fmt.Errorf("accessor: %s.%s: %w", t.Name, r.Name, err)
			}
			st.Rels = append(st.Rels, &schema.Rel{
				Name:          r.Name,
				Kind:          relKind(r.Kind),
				To:            r.To,
				Column:        r.Column,
				RefColumn:     r.RefColumn,
				Cascade:       cascade,
				SingleParent:  r.SingleParent,
				PostUpdate:    r.PostUpdate,
				JoinTable:     r.JoinTable,
				JoinColumn:    r.JoinColumn,
				JoinRefColumn: r.JoinRefColumn,
			})
		}
		types = append(types, st)
	}
	return schema.NewGraph(types...)
}

func relKind(s string) schema.Kind {
	switch s {
	case "o2m":
		return schema.O2M
	case "m2o":
		return schema.M2O
	default:
		return schema.M2M
	}
}
