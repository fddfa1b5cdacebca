package unison

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/unison/schema"
)

// detachedEnvelope is the wire form of a detached instance: its type name
// and scalar attribute values. Relationships are intentionally excluded;
// they are reconciled by Merge on the receiving side.
type detachedEnvelope struct {
	Type  string         `msgpack:"type"`
	Attrs map[string]any `msgpack:"attrs"`
}

// EncodeDetached serializes an instance's scalar state for transport
// between processes, typically to re-enter a session elsewhere through
// Merge.
func EncodeDetached(g *schema.Graph, e Entity) ([]byte, error) {
	typ, err := g.Type(e.TypeName())
	if err != nil {
		return nil, err
	}
	env := detachedEnvelope{Type: typ.Name, Attrs: make(map[string]any, len(typ.Attrs))}
	for _, a := range typ.Attrs {
		if v, ok := e.GetAttr(a.Name); ok && v != nil {
			env.Attrs[a.Name] = v
		}
	}
	return msgpack.Marshal(&env)
}

// DecodeDetached reconstructs a detached instance from its serialized
// form using the given type factory. The result carries no session
// association; pass it to Session.Merge to attach it.
func DecodeDetached(g *schema.Graph, data []byte, factory func(typeName string) (Entity, error)) (Entity, error) {
	var env detachedEnvelope
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	// Loose decoding widens wire integers to int64 so attribute values
	// round-trip into the generated setters.
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("unison: decode detached instance: %w", err)
	}
	typ, err := g.Type(env.Type)
	if err != nil {
		return nil, err
	}
	e, err := factory(typ.Name)
	if err != nil {
		return nil, err
	}
	for _, a := range typ.Attrs {
		v, ok := env.Attrs[a.Name]
		if !ok {
			continue
		}
		if err := e.SetAttr(a.Name, v); err != nil {
			return nil, err
		}
	}
	return e, nil
}
