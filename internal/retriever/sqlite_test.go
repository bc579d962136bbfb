package retriever

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc-1.db")
	err := WriteSQLiteIndex(context.Background(), path, []Result{
		{ChunkID: "c1", Text: "The warranty covers manufacturing defects for two years.", Source: "manual.pdf", Metadata: map[string]string{"page": "4"}},
		{ChunkID: "c2", Text: "Clean the filter monthly with warm water.", Source: "manual.pdf", Metadata: map[string]string{"page": "9"}},
		{ChunkID: "c3", Text: "Warranty claims require the original receipt and proof of the warranty period.", Source: "manual.pdf"},
	})
	require.NoError(t, err)
	return path
}

func TestSQLiteRetriever_Search(t *testing.T) {
	path := writeFixture(t)
	ctx := context.Background()

	r, err := SQLiteOpener{}.Open(ctx, Locator{DocumentID: "doc-1", Kind: KindSQLite, IndexPath: path})
	require.NoError(t, err)
	defer r.Close()

	results, err := r.Search(ctx, "warranty period?", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// c3 mentions warranty twice and the period
	assert.Equal(t, "c3", results[0].ChunkID)
	assert.Equal(t, "c1", results[1].ChunkID)
	assert.Greater(t, results[0].Score, results[1].Score)
	assert.Equal(t, "manual.pdf", results[1].Source)
	assert.Equal(t, "4", results[1].Metadata["page"])
	assert.NotNil(t, results[0].Metadata)
}

func TestSQLiteRetriever_QuotesUserInput(t *testing.T) {
	path := writeFixture(t)
	ctx := context.Background()

	r, err := SQLiteOpener{}.Open(ctx, Locator{DocumentID: "doc-1", IndexPath: path})
	require.NoError(t, err)
	defer r.Close()

	// bare FTS5 operators would be a syntax error
	results, err := r.Search(ctx, `filter NOT "`, 5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c2", results[0].ChunkID)

	results, err = r.Search(ctx, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLiteOpener_MissingIndex(t *testing.T) {
	_, err := SQLiteOpener{}.Open(context.Background(), Locator{DocumentID: "doc-1", IndexPath: filepath.Join(t.TempDir(), "nope.db")})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = SQLiteOpener{}.Open(context.Background(), Locator{DocumentID: "doc-1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteOpener_NoChunksTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE other (id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = SQLiteOpener{}.Open(context.Background(), Locator{DocumentID: "doc-1", IndexPath: path})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRetriever_ThroughCache(t *testing.T) {
	path := writeFixture(t)
	resolver := ResolverFunc(func(_ context.Context, id string) (Locator, error) {
		return Locator{DocumentID: id, Kind: KindSQLite, IndexPath: path}, nil
	})
	c, err := NewCache(resolver, Openers{KindSQLite: SQLiteOpener{}})
	require.NoError(t, err)
	defer c.Close()

	results, err := c.Search(context.Background(), "doc-1", "clean filter", 3)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "c2", results[0].ChunkID)
	assert.Equal(t, "c2", results[0].Chunk().ID)
}

func TestOpeners_UnknownKind(t *testing.T) {
	_, err := Openers{KindSQLite: SQLiteOpener{}}.Open(context.Background(), Locator{DocumentID: "d", Kind: "faiss"})
	assert.ErrorIs(t, err, ErrNotFound)
}
