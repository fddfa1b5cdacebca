package schema

import (
	"fmt"
	"strings"
)

// Cascade is a set of flags describing how session operations propagate
// across a relationship, from a parent instance to its referents.
type Cascade uint8

const (
	// CascadeSaveUpdate propagates Session.Add to referents.
	CascadeSaveUpdate Cascade = 1 << iota
	// CascadeMerge propagates Session.Merge to referents.
	CascadeMerge
	// CascadeDelete propagates Session.Delete to referents.
	CascadeDelete
	// CascadeDeleteOrphan deletes a referent once it is removed from its
	// single owning parent, even if the parent itself survives.
	CascadeDeleteOrphan
	// CascadeRefreshExpire propagates Session.Expire and Session.Refresh.
	CascadeRefreshExpire
	// CascadeExpunge propagates Session.Expunge to referents.
	CascadeExpunge

	// CascadeAll is the conventional "all" shorthand. It does not include
	// delete-orphan, which must be requested explicitly.
	CascadeAll = CascadeSaveUpdate | CascadeMerge | CascadeDelete | CascadeRefreshExpire | CascadeExpunge
)

// cascadeNames maps the string form of each flag, in declaration order.
var cascadeNames = []struct {
	flag Cascade
	name string
}{
	{CascadeSaveUpdate, "save-update"},
	{CascadeMerge, "merge"},
	{CascadeDelete, "delete"},
	{CascadeDeleteOrphan, "delete-orphan"},
	{CascadeRefreshExpire, "refresh-expire"},
	{CascadeExpunge, "expunge"},
}

// Has reports whether all flags in c2 are set on c.
func (c Cascade) Has(c2 Cascade) bool {
	return c&c2 == c2
}

// String returns the comma-separated string form of the flag set.
func (c Cascade) String() string {
	if c == 0 {
		return ""
	}
	var parts []string
	for _, cn := range cascadeNames {
		if c.Has(cn.flag) {
			parts = append(parts, cn.name)
		}
	}
	return strings.Join(parts, ", ")
}

// ParseCascade parses the conventional comma-separated cascade form, for
// example "all, delete-orphan" or "save-update, merge". The token "all"
// expands to CascadeAll.
func ParseCascade(s string) (Cascade, error) {
	var c Cascade
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if tok == "all" {
			c |= CascadeAll
			continue
		}
		found := false
		for _, cn := range cascadeNames {
			if cn.name == tok {
				c |= cn.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unison/schema: unknown cascade flag %q", tok)
		}
	}
	return c, nil
}
