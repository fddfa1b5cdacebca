// Package plan orders pending write operations for flush. It builds a
// directed graph of mutations with dependency edges derived from
// foreign-key relationships and produces topologically sorted batches.
//
// Reference cycles (self-referential rows, mutually dependent rows) have no
// valid total order with single-statement inserts. For relationships marked
// for deferred key resolution, Deferred schedules a two-phase fix-up: the
// rows are inserted with the circular foreign-key column left null, and a
// follow-up UPDATE runs once both keys are known. A cycle through ordinary
// hard edges is a CycleError, never a silent misordering.
package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the kind of a pending mutation.
type Kind int

const (
	// Insert adds a new row.
	Insert Kind = iota
	// Update rewrites columns of an existing row.
	Update
	// Delete removes an existing row.
	Delete
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Mutation is one queued unit of work targeting a single row.
type Mutation struct {
	// Kind is the mutation kind.
	Kind Kind
	// Table is the target table, used for error reporting.
	Table string
	// Handle is an opaque reference to the instance state owned by the
	// caller. The planner never inspects it.
	Handle any
	// Columns lists the deferred foreign-key columns a fix-up update must
	// populate. Only set on mutations returned by Deferred.
	Columns []string
	// Fixup marks a follow-up update created by Deferred.
	Fixup bool

	seq int
}

// Seq returns the stable insertion sequence assigned by the graph. Ties in
// the topological order are broken by it, so rows are written in the order
// their instances were first associated with the session.
func (m *Mutation) Seq() int { return m.seq }

// Graph accumulates pending mutations and dependency edges, and produces
// an ordered execution plan.
type Graph struct {
	mutations []*Mutation
	out       map[*Mutation][]*Mutation // a -> b: a runs before b
	in        map[*Mutation]int
	fixups    map[any]*Mutation // one fix-up update per handle
	seq       int
}

// NewGraph returns an empty plan graph.
func NewGraph() *Graph {
	return &Graph{
		out:    make(map[*Mutation][]*Mutation),
		in:     make(map[*Mutation]int),
		fixups: make(map[any]*Mutation),
	}
}

// Add appends a mutation with the given kind. The sequence passed in ties
// the mutation to the caller's insertion order; mutations added with a
// negative sequence are ordered after all explicitly sequenced ones.
func (g *Graph) Add(kind Kind, handle any, table string, seq int) *Mutation {
	m := &Mutation{Kind: kind, Table: table, Handle: handle, seq: seq}
	g.mutations = append(g.mutations, m)
	return m
}

// After records a hard ordering edge: before must execute in an earlier
// batch than after. Duplicate edges are ignored.
func (g *Graph) After(before, after *Mutation) {
	if before == nil || after == nil || before == after {
		return
	}
	for _, m := range g.out[before] {
		if m == after {
			return
		}
	}
	g.out[before] = append(g.out[before], after)
	g.in[after]++
}

// Deferred resolves a dependency through a relationship marked for
// post-update key resolution. Instead of a hard edge from the referenced
// mutation to the dependent one, the dependent row is written with the
// given foreign-key columns unset and a fix-up update is scheduled after
// both mutations. One fix-up is shared per dependent handle; repeated
// calls accumulate columns onto it.
func (g *Graph) Deferred(referenced, dependent *Mutation, columns ...string) *Mutation {
	fix, ok := g.fixups[dependent.Handle]
	if !ok {
		fix = g.Add(Update, dependent.Handle, dependent.Table, -1)
		fix.Fixup = true
		g.fixups[dependent.Handle] = fix
	}
	for _, c := range columns {
		if !contains(fix.Columns, c) {
			fix.Columns = append(fix.Columns, c)
		}
	}
	g.After(dependent, fix)
	g.After(referenced, fix)
	return fix
}

// Batches returns the mutations grouped into topologically ordered batches:
// every mutation appears in a batch strictly after all its dependencies.
// Within a batch, mutations run in stable insertion order. A cycle through
// hard edges yields a CycleError.
func (g *Graph) Batches() ([][]*Mutation, error) {
	indegree := make(map[*Mutation]int, len(g.mutations))
	for _, m := range g.mutations {
		indegree[m] = g.in[m]
	}
	var (
		batches [][]*Mutation
		done    int
	)
	ready := make([]*Mutation, 0, len(g.mutations))
	for done < len(g.mutations) {
		ready = ready[:0]
		for _, m := range g.mutations {
			if indegree[m] == 0 {
				ready = append(ready, m)
			}
		}
		if len(ready) == 0 {
			return nil, g.cycleError(indegree)
		}
		sort.SliceStable(ready, func(i, j int) bool {
			si, sj := ready[i].seq, ready[j].seq
			// Unsequenced fix-ups sort after everything else.
			if (si < 0) != (sj < 0) {
				return sj < 0
			}
			return si < sj
		})
		batch := make([]*Mutation, len(ready))
		copy(batch, ready)
		for _, m := range batch {
			indegree[m] = -1
			done++
			for _, next := range g.out[m] {
				indegree[next]--
			}
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

// cycleError collects the mutations still blocked and reports them.
func (g *Graph) cycleError(indegree map[*Mutation]int) error {
	var stuck []string
	for _, m := range g.mutations {
		if indegree[m] > 0 {
			stuck = append(stuck, fmt.Sprintf("%s %s", m.Kind, m.Table))
		}
	}
	sort.Strings(stuck)
	return &CycleError{Mutations: stuck}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// CycleError reports a dependency cycle between pending writes that is not
// resolvable through deferred (post-update) relationships.
type CycleError struct {
	// Mutations describes the blocked mutations, as "kind table" pairs.
	Mutations []string
}

// Error returns the error string.
func (e *CycleError) Error() string {
	return fmt.Sprintf("unison/plan: dependency cycle between pending writes: %s", strings.Join(e.Mutations, ", "))
}

// IsCycleError returns true if the error is a CycleError.
func IsCycleError(err error) bool {
	if err == nil {
		return false
	}
	var e *CycleError
	return errors.As(err, &e)
}
