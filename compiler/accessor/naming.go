package accessor

import (
	"strings"

	"github.com/go-openapi/inflect"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	titler = cases.Title(language.Und, cases.NoLower)
	// Initialisms rendered in full caps in generated identifiers.
	initialisms = map[string]string{
		"id": "ID", "uuid": "UUID", "url": "URL", "api": "API",
		"sql": "SQL", "json": "JSON", "http": "HTTP",
	}
)

// pascal converts a snake_case manifest name into an exported Go
// identifier, upper-casing common initialisms.
func pascal(s string) string {
	parts := strings.Split(s, "_")
	for i, p := range parts {
		if up, ok := initialisms[strings.ToLower(p)]; ok {
			parts[i] = up
			continue
		}
		parts[i] = titler.String(p)
	}
	return strings.Join(parts, "")
}

// snake converts an identifier to snake_case, for file and column names.
func snake(s string) string {
	return inflect.Underscore(s)
}

// singular returns the singular form of a collection name, used to name
// per-element Add/Remove accessors.
func singular(s string) string {
	return inflect.Singularize(s)
}

// receiver derives a short receiver name from a type name.
func receiver(typeName string) string {
	return strings.ToLower(typeName[:1])
}
