package unison

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeOntoRegisteredInstance(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t)
	a := &author{ID: 1, Name: "ann"}
	require.NoError(t, s.Add(a))

	detached := &author{ID: 1, Name: "updated"}
	got, err := s.Merge(context.Background(), detached)
	require.NoError(t, err)

	assert.Same(t, a, got.(*author), "merge must return the registered representative")
	assert.Equal(t, "updated", a.Name)
	assert.Equal(t, []Entity{a}, s.Dirty())
	assert.False(t, s.Contains(detached), "the argument is never attached")
}

func TestMergeEqualValuesStaysClean(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t)
	a := &author{ID: 1, Name: "ann"}
	require.NoError(t, s.Add(a))

	_, err := s.Merge(context.Background(), &author{ID: 1, Name: "ann"})
	require.NoError(t, err)
	assert.Empty(t, s.Dirty())
}

func TestMergeKeylessCreatesPendingCopy(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t)
	src := &author{Name: "new"}
	got, err := s.Merge(context.Background(), src)
	require.NoError(t, err)

	copy := got.(*author)
	assert.NotSame(t, src, copy)
	assert.Equal(t, "new", copy.Name)
	assert.Equal(t, StatusPending, s.StatusOf(copy))
	assert.False(t, s.Contains(src))
}

func TestMergeLoadsCommittedState(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	exec.addRow("authors", []any{int64(9)}, map[string]any{"id": int64(9), "name": "stored"})

	src := &author{ID: 9, Name: "edited"}
	got, err := s.Merge(context.Background(), src)
	require.NoError(t, err)

	merged := got.(*author)
	assert.Equal(t, StatusPersistent, s.StatusOf(merged))
	assert.Equal(t, "edited", merged.Name, "detached values overlay the loaded row")
	assert.Equal(t, []Entity{merged}, s.Dirty(), "the overlay difference is a pending change")
}

func TestMergeMissingRow(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t)
	_, err := s.Merge(context.Background(), &author{ID: 404, Name: "ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no longer exists")
}

func TestMergeCascadeRemapsReferents(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	a := &author{ID: 1, Name: "ann"}
	require.NoError(t, s.Add(a))
	exec.addRow("books", []any{int64(2)}, map[string]any{"id": int64(2), "title": "stored"})

	srcAuthor := &author{ID: 1, Name: "ann"}
	srcBook := &book{ID: 2, Title: "revised", Author: srcAuthor}
	got, err := s.Merge(context.Background(), srcBook)
	require.NoError(t, err)

	merged := got.(*book)
	assert.NotSame(t, srcBook, merged)
	assert.Equal(t, "revised", merged.Title)
	assert.Same(t, a, merged.Author, "referents map to their session counterparts")
}

func TestMergeDeduplicatesSharedReferent(t *testing.T) {
	t.Parallel()
	s, exec, _ := newTestSession(t)
	exec.addRow("authors", []any{int64(1)}, map[string]any{"id": int64(1), "name": "ann"})
	exec.addRow("books", []any{int64(2)}, map[string]any{"id": int64(2), "title": "one"})
	exec.addRow("books", []any{int64(3)}, map[string]any{"id": int64(3), "title": "two"})

	shared := &author{ID: 1, Name: "ann"}
	b1 := &book{ID: 2, Title: "one", Author: shared}
	b2 := &book{ID: 3, Title: "two", Author: shared}

	got1, err := s.Merge(context.Background(), b1)
	require.NoError(t, err)
	got2, err := s.Merge(context.Background(), b2)
	require.NoError(t, err)

	assert.Same(t, got1.(*book).Author, got2.(*book).Author,
		"both merges resolve the shared referent to one instance")
}

func TestEncodeDecodeDetached(t *testing.T) {
	t.Parallel()
	g := testGraph(t)
	a := &author{ID: 5, Name: "ann"}
	data, err := EncodeDetached(g, a)
	require.NoError(t, err)

	e, err := DecodeDetached(g, data, entityFactory)
	require.NoError(t, err)
	decoded := e.(*author)
	assert.Equal(t, int64(5), decoded.ID)
	assert.Equal(t, "ann", decoded.Name)
}

func TestDetachedTransportIntoMerge(t *testing.T) {
	t.Parallel()
	g := testGraph(t)
	data, err := EncodeDetached(g, &doc{ID: "k1", Body: "hello", Version: 2})
	require.NoError(t, err)

	s, exec, _ := newTestSession(t)
	exec.addRow("docs", []any{"k1"}, map[string]any{"id": "k1", "body": "stale", "version": int64(2)})

	e, err := DecodeDetached(g, data, entityFactory)
	require.NoError(t, err)
	got, err := s.Merge(context.Background(), e)
	require.NoError(t, err)

	merged := got.(*doc)
	assert.Equal(t, "hello", merged.Body)
	assert.Equal(t, StatusPersistent, s.StatusOf(merged))
}
