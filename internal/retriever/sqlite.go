package retriever

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"
)

// SQLiteOpener opens per-document SQLite files holding an FTS5 table
// chunks(chunk_id, text, source, metadata).
type SQLiteOpener struct{}

var _ Opener = SQLiteOpener{}

func (SQLiteOpener) Open(ctx context.Context, loc Locator) (Retriever, error) {
	if loc.IndexPath == "" {
		return nil, fmt.Errorf("%w: document %s has no index path", ErrNotFound, loc.DocumentID)
	}
	if _, err := os.Stat(loc.IndexPath); err != nil {
		return nil, fmt.Errorf("%w: index for document %s: %w", ErrNotFound, loc.DocumentID, err)
	}

	// read-only so a missing table never creates an empty database
	dsn := "file:" + (&url.URL{Path: loc.IndexPath}).EscapedPath() + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}

	var name string
	err = db.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'chunks'`).Scan(&name)
	if err != nil {
		db.Close()
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: index for document %s has no chunks table", ErrNotFound, loc.DocumentID)
		}
		return nil, fmt.Errorf("inspect index: %w", err)
	}

	return &SQLiteRetriever{db: db, documentID: loc.DocumentID}, nil
}

// SQLiteRetriever ranks one document's chunks with FTS5 bm25().
type SQLiteRetriever struct {
	db         *sql.DB
	documentID string
}

var _ Retriever = (*SQLiteRetriever)(nil)

// Search matches any query term. Scores are negated bm25() values, so higher is
// better.
func (r *SQLiteRetriever) Search(ctx context.Context, query string, topK int) ([]Result, error) {
	match := ftsQuery(query)
	if match == "" || topK <= 0 {
		return []Result{}, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_id, text, source, metadata, bm25(chunks)
		FROM chunks
		WHERE chunks MATCH ?
		ORDER BY bm25(chunks)
		LIMIT ?
	`, match, topK)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0, topK)
	for rows.Next() {
		var (
			res          Result
			source, meta sql.NullString
			rank         float64
		)
		if err := rows.Scan(&res.ChunkID, &res.Text, &source, &meta, &rank); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		res.Source = source.String
		res.Score = float32(-rank)
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &res.Metadata); err != nil {
				return nil, fmt.Errorf("chunk %s metadata: %w", res.ChunkID, err)
			}
		}
		if res.Metadata == nil {
			res.Metadata = make(map[string]string)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunks: %w", err)
	}

	return results, nil
}

func (r *SQLiteRetriever) Close() error {
	return r.db.Close()
}

// ftsQuery turns free text into an FTS5 query that ORs every word, quoted so
// user input cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	words := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return ""
	}
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = `"` + w + `"`
	}
	return strings.Join(quoted, " OR ")
}

// WriteSQLiteIndex creates an index file at path holding chunks. It is used to
// build per-document indexes and test fixtures.
func WriteSQLiteIndex(ctx context.Context, path string, chunks []Result) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks USING fts5(chunk_id UNINDEXED, text, source UNINDEXED, metadata UNINDEXED)`); err != nil {
		return fmt.Errorf("create chunks table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (chunk_id, text, source, metadata) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, c.ChunkID, c.Text, c.Source, string(meta)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ChunkID, err)
		}
	}

	return tx.Commit()
}
