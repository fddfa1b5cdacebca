package schema

import "github.com/google/uuid"

// UUID returns a default generator producing client-side random UUID keys.
// Attach it to a primary-key attribute to avoid a database round-trip for
// key generation:
//
//	&schema.Attr{Name: "id", Default: schema.UUID()}
func UUID() func() any {
	return func() any {
		return uuid.New()
	}
}

// UUIDString is like UUID but produces the canonical string form, for
// schemas that map keys to text columns.
func UUIDString() func() any {
	return func() any {
		return uuid.NewString()
	}
}
