package sql_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/syssam/unison"
	"github.com/syssam/unison/dialect"
	usql "github.com/syssam/unison/dialect/sql"
	"github.com/syssam/unison/schema"
)

type item struct {
	unison.Tracker
	ID   int64
	Name string
}

func (i *item) TypeName() string { return "Item" }

func (i *item) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return i.ID, true
	case "name":
		return i.Name, true
	}
	return nil, false
}

func (i *item) SetAttr(name string, value any) error {
	switch name {
	case "id":
		switch v := value.(type) {
		case int64:
			i.ID = v
		case int:
			i.ID = int64(v)
		default:
			return fmt.Errorf("Item.id: unexpected type %T", value)
		}
	case "name":
		i.Name = value.(string)
	default:
		return fmt.Errorf("Item: unknown attribute %q", name)
	}
	return nil
}

func (i *item) SetName(v string) { i.Name = v; i.Touch("name") }

// End-to-end: a session flushing against a real SQLite database.
func TestSessionAgainstSQLite(t *testing.T) {
	drv, err := usql.Open("sqlite", "file:unison_e2e?mode=memory&cache=shared")
	require.NoError(t, err)
	defer drv.Close()
	drv.DB().SetMaxOpenConns(1)
	ctx := context.Background()

	err = drv.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL)", []any{}, nil)
	require.NoError(t, err)

	g, err := schema.NewGraph(&schema.Type{
		Name:  "Item",
		Table: "items",
		ID:    []string{"id"},
		Attrs: []*schema.Attr{
			{Name: "id", Generated: true},
			{Name: "name"},
		},
	})
	require.NoError(t, err)

	ex := usql.NewExecutor(dialect.SQLite)
	s := unison.NewSession(g, drv, ex)

	it := &item{Name: "first"}
	require.NoError(t, s.Add(it))
	require.NoError(t, s.Commit(ctx))
	assert.Equal(t, int64(1), it.ID, "generated key propagates back")
	assert.Equal(t, unison.StatusPersistent, s.StatusOf(it))

	it.SetName("renamed")
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Refresh(ctx, it))
	assert.Equal(t, "renamed", it.Name)

	// A second session sees the committed row through its own identity.
	s2 := unison.NewSession(g, drv, ex)
	other := &item{ID: 1}
	require.NoError(t, s2.Add(other))
	require.NoError(t, s2.Refresh(ctx, other))
	assert.Equal(t, "renamed", other.Name)
	require.NoError(t, s2.Close())

	require.NoError(t, s.Delete(it))
	require.NoError(t, s.Commit(ctx))
	_, found, err := ex.LoadRow(ctx, drv, &unison.Statement{
		Op:         unison.OpSelect,
		Table:      "items",
		Columns:    []string{"id", "name"},
		KeyColumns: []string{"id"},
		KeyValues:  []any{int64(1)},
	})
	require.NoError(t, err)
	assert.False(t, found, "the row is gone after the delete commits")
	require.NoError(t, s.Close())
}
