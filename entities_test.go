package unison

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syssam/unison/schema"
)

// Test entities mirroring the accessor generator's output: Tracker
// embedding, attribute dispatch and tracked setters.

type author struct {
	Tracker
	ID    int64
	Name  string
	Books []*book
}

func (a *author) TypeName() string { return "Author" }

func (a *author) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return a.ID, true
	case "name":
		return a.Name, true
	case "books":
		return a.Books, true
	}
	return nil, false
}

func (a *author) SetAttr(name string, value any) error {
	switch name {
	case "id":
		a.ID = toInt64(value)
	case "name":
		a.Name = value.(string)
	case "books":
		switch rv := value.(type) {
		case nil:
			a.Books = nil
		case []*book:
			a.Books = rv
		case []Entity:
			a.Books = a.Books[:0]
			for _, e := range rv {
				a.Books = append(a.Books, e.(*book))
			}
		default:
			return fmt.Errorf("Author.books: unexpected type %T", value)
		}
	default:
		return fmt.Errorf("Author: unknown attribute %q", name)
	}
	return nil
}

func (a *author) SetName(v string) { a.Name = v; a.Touch("name") }
func (a *author) AddBook(v *book)  { a.Books = append(a.Books, v); a.Touch("books") }
func (a *author) RemoveBook(v *book) {
	for i, b := range a.Books {
		if b == v {
			a.Books = append(a.Books[:i], a.Books[i+1:]...)
			break
		}
	}
	a.Touch("books")
}

type book struct {
	Tracker
	ID     int64
	Title  string
	Author *author
	Tags   []*tag
}

func (b *book) TypeName() string { return "Book" }

func (b *book) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return b.ID, true
	case "title":
		return b.Title, true
	case "author":
		if b.Author == nil {
			return nil, true
		}
		return b.Author, true
	case "tags":
		return b.Tags, true
	}
	return nil, false
}

func (b *book) SetAttr(name string, value any) error {
	switch name {
	case "id":
		b.ID = toInt64(value)
	case "title":
		b.Title = value.(string)
	case "author":
		switch rv := value.(type) {
		case nil:
			b.Author = nil
		case *author:
			b.Author = rv
		default:
			return fmt.Errorf("Book.author: unexpected type %T", value)
		}
	case "tags":
		switch rv := value.(type) {
		case nil:
			b.Tags = nil
		case []*tag:
			b.Tags = rv
		case []Entity:
			b.Tags = b.Tags[:0]
			for _, e := range rv {
				b.Tags = append(b.Tags, e.(*tag))
			}
		default:
			return fmt.Errorf("Book.tags: unexpected type %T", value)
		}
	default:
		return fmt.Errorf("Book: unknown attribute %q", name)
	}
	return nil
}

func (b *book) SetTitle(v string)    { b.Title = v; b.Touch("title") }
func (b *book) SetAuthor(v *author)  { b.Author = v; b.Touch("author") }
func (b *book) AddTag(v *tag)        { b.Tags = append(b.Tags, v); b.Touch("tags") }
func (b *book) RemoveTag(v *tag) {
	for i, x := range b.Tags {
		if x == v {
			b.Tags = append(b.Tags[:i], b.Tags[i+1:]...)
			break
		}
	}
	b.Touch("tags")
}

type tag struct {
	Tracker
	ID   int64
	Name string
}

func (g *tag) TypeName() string { return "Tag" }

func (g *tag) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return g.ID, true
	case "name":
		return g.Name, true
	}
	return nil, false
}

func (g *tag) SetAttr(name string, value any) error {
	switch name {
	case "id":
		g.ID = toInt64(value)
	case "name":
		g.Name = value.(string)
	default:
		return fmt.Errorf("Tag: unknown attribute %q", name)
	}
	return nil
}

func (g *tag) SetName(v string) { g.Name = v; g.Touch("name") }

// node is self-referential through a post-update relationship.
type node struct {
	Tracker
	ID     int64
	Label  string
	Parent *node
}

func (n *node) TypeName() string { return "Node" }

func (n *node) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return n.ID, true
	case "label":
		return n.Label, true
	case "parent":
		if n.Parent == nil {
			return nil, true
		}
		return n.Parent, true
	}
	return nil, false
}

func (n *node) SetAttr(name string, value any) error {
	switch name {
	case "id":
		n.ID = toInt64(value)
	case "label":
		n.Label = value.(string)
	case "parent":
		switch rv := value.(type) {
		case nil:
			n.Parent = nil
		case *node:
			n.Parent = rv
		default:
			return fmt.Errorf("Node.parent: unexpected type %T", value)
		}
	default:
		return fmt.Errorf("Node: unknown attribute %q", name)
	}
	return nil
}

func (n *node) SetLabel(v string)  { n.Label = v; n.Touch("label") }
func (n *node) SetParent(v *node)  { n.Parent = v; n.Touch("parent") }

// doc carries a client-generated UUID key and a version counter.
type doc struct {
	Tracker
	ID      string
	Body    string
	Version int64
}

func (d *doc) TypeName() string { return "Doc" }

func (d *doc) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return d.ID, true
	case "body":
		return d.Body, true
	case "version":
		return d.Version, true
	}
	return nil, false
}

func (d *doc) SetAttr(name string, value any) error {
	switch name {
	case "id":
		d.ID = value.(string)
	case "body":
		d.Body = value.(string)
	case "version":
		d.Version = toInt64(value)
	default:
		return fmt.Errorf("Doc: unknown attribute %q", name)
	}
	return nil
}

func (d *doc) SetBody(v string) { d.Body = v; d.Touch("body") }

// folder owns files through a collection declared on one side only; file
// carries no back-reference.
type folder struct {
	Tracker
	ID    int64
	Name  string
	Files []*file
}

func (f *folder) TypeName() string { return "Folder" }

func (f *folder) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return f.ID, true
	case "name":
		return f.Name, true
	case "files":
		return f.Files, true
	}
	return nil, false
}

func (f *folder) SetAttr(name string, value any) error {
	switch name {
	case "id":
		f.ID = toInt64(value)
	case "name":
		f.Name = value.(string)
	case "files":
		switch rv := value.(type) {
		case nil:
			f.Files = nil
		case []*file:
			f.Files = rv
		case []Entity:
			f.Files = f.Files[:0]
			for _, e := range rv {
				f.Files = append(f.Files, e.(*file))
			}
		default:
			return fmt.Errorf("Folder.files: unexpected type %T", value)
		}
	default:
		return fmt.Errorf("Folder: unknown attribute %q", name)
	}
	return nil
}

func (f *folder) SetName(v string) { f.Name = v; f.Touch("name") }
func (f *folder) AddFile(v *file)  { f.Files = append(f.Files, v); f.Touch("files") }

type file struct {
	Tracker
	ID   int64
	Path string
}

func (f *file) TypeName() string { return "File" }

func (f *file) GetAttr(name string) (any, bool) {
	switch name {
	case "id":
		return f.ID, true
	case "path":
		return f.Path, true
	}
	return nil, false
}

func (f *file) SetAttr(name string, value any) error {
	switch name {
	case "id":
		f.ID = toInt64(value)
	case "path":
		f.Path = value.(string)
	default:
		return fmt.Errorf("File: unknown attribute %q", name)
	}
	return nil
}

func (f *file) SetPath(v string) { f.Path = v; f.Touch("path") }

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// testGraph builds the metadata for the test entities.
func testGraph(t *testing.T) *schema.Graph {
	t.Helper()
	mustCascade := func(s string) schema.Cascade {
		c, err := schema.ParseCascade(s)
		require.NoError(t, err)
		return c
	}
	g, err := schema.NewGraph(
		&schema.Type{
			Name:  "Author",
			Table: "authors",
			ID:    []string{"id"},
			Attrs: []*schema.Attr{
				{Name: "id", Generated: true},
				{Name: "name"},
			},
			Rels: []*schema.Rel{{
				Name:    "books",
				Kind:    schema.O2M,
				To:      "Book",
				Column:  "author_id",
				Cascade: mustCascade("all, delete-orphan"),
			}},
		},
		&schema.Type{
			Name:  "Book",
			Table: "books",
			ID:    []string{"id"},
			Attrs: []*schema.Attr{
				{Name: "id", Generated: true},
				{Name: "title"},
			},
			Rels: []*schema.Rel{
				{
					Name:    "author",
					Kind:    schema.M2O,
					To:      "Author",
					Column:  "author_id",
					Cascade: mustCascade("save-update, merge"),
				},
				{
					Name:          "tags",
					Kind:          schema.M2M,
					To:            "Tag",
					Cascade:       mustCascade("save-update"),
					JoinTable:     "book_tags",
					JoinColumn:    "book_id",
					JoinRefColumn: "tag_id",
				},
			},
		},
		&schema.Type{
			Name:  "Tag",
			Table: "tags",
			ID:    []string{"id"},
			Attrs: []*schema.Attr{
				{Name: "id", Generated: true},
				{Name: "name"},
			},
		},
		&schema.Type{
			Name:  "Node",
			Table: "nodes",
			ID:    []string{"id"},
			Attrs: []*schema.Attr{
				{Name: "id", Generated: true},
				{Name: "label"},
			},
			Rels: []*schema.Rel{{
				Name:       "parent",
				Kind:       schema.M2O,
				To:         "Node",
				Column:     "parent_id",
				Cascade:    mustCascade("save-update"),
				PostUpdate: true,
			}},
		},
		&schema.Type{
			Name:  "Folder",
			Table: "folders",
			ID:    []string{"id"},
			Attrs: []*schema.Attr{
				{Name: "id", Generated: true},
				{Name: "name"},
			},
			Rels: []*schema.Rel{{
				Name:    "files",
				Kind:    schema.O2M,
				To:      "File",
				Column:  "folder_id",
				Cascade: mustCascade("all"),
			}},
		},
		&schema.Type{
			Name:  "File",
			Table: "files",
			ID:    []string{"id"},
			Attrs: []*schema.Attr{
				{Name: "id", Generated: true},
				{Name: "path"},
			},
		},
		&schema.Type{
			Name:    "Doc",
			Table:   "docs",
			ID:      []string{"id"},
			Version: "version",
			Attrs: []*schema.Attr{
				{Name: "id", Default: schema.UUIDString()},
				{Name: "body"},
				{Name: "version"},
			},
		},
	)
	require.NoError(t, err)
	return g
}

// entityFactory mirrors the generated NewEntity factory.
func entityFactory(typeName string) (Entity, error) {
	switch typeName {
	case "Author":
		return &author{}, nil
	case "Book":
		return &book{}, nil
	case "Tag":
		return &tag{}, nil
	case "Node":
		return &node{}, nil
	case "Folder":
		return &folder{}, nil
	case "File":
		return &file{}, nil
	case "Doc":
		return &doc{}, nil
	}
	return nil, fmt.Errorf("unknown type %q", typeName)
}
